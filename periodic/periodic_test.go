package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServiceRunsPeriodically(t *testing.T) {
	var calls int32

	s := New("test", func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	})
	s.SetPeriod(10 * time.Millisecond)

	s.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestSetPeriodZeroStops(t *testing.T) {
	var calls int32

	s := New("test", func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	})
	s.SetPeriod(5 * time.Millisecond)
	s.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	s.SetPeriod(0)

	n := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, n, atomic.LoadInt32(&calls))
}

func TestStopWhenNotStartedIsNoop(t *testing.T) {
	s := New("test", func(ctx context.Context) {})
	require.NotPanics(t, func() { s.Stop() })
}

func TestDisposeForbidsFurtherStartStop(t *testing.T) {
	s := New("test", func(ctx context.Context) {})
	s.SetPeriod(5 * time.Millisecond)
	s.Start(context.Background())
	s.Dispose()

	require.Panics(t, func() { s.Start(context.Background()) })
	require.Panics(t, func() { s.Stop() })
}
