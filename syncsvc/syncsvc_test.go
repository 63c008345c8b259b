package syncsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldersync/foldersync/bucket"
	"github.com/foldersync/foldersync/ledger"
	"github.com/foldersync/foldersync/reachability"
)

type fakeRemote struct {
	put map[string]int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{put: map[string]int{}} }

func (f *fakeRemote) BucketRegion(ctx context.Context, bucket string) (string, error) {
	return "us-east-1", nil
}

func (f *fakeRemote) PutFile(ctx context.Context, bucketName, key, path string) error {
	f.put[key]++
	return nil
}

func (f *fakeRemote) Exists(ctx context.Context, bucketName, key string) (bool, error) {
	return f.put[key] > 0, nil
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() { l.Close() })

	return l
}

func TestTickSweepsUntrackedFiles(t *testing.T) {
	remote := newFakeRemote()
	dir := t.TempDir()

	b, err := bucket.New(context.Background(), dir, remote, reachability.New(0), bucket.DefaultConfig())
	require.NoError(t, err)

	led := newTestLedger(t)
	b.SetCallbacks(func(p string) { led.MarkSucceeded(context.Background(), p) }, func(p string) { led.MarkFailed(context.Background(), p) })

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	svc := New([]*bucket.Bucket{b}, led, reachability.New(0), 10)
	svc.RunOnce(context.Background())
	b.FinishPending(context.Background())

	require.Equal(t, 1, remote.put["a.bin"])
	require.True(t, led.Exists(context.Background(), f))
}

func TestTickRoutesFailedPathsBackToOwningBucket(t *testing.T) {
	remote := newFakeRemote()
	dir := t.TempDir()

	b, err := bucket.New(context.Background(), dir, remote, reachability.New(0), bucket.DefaultConfig())
	require.NoError(t, err)

	led := newTestLedger(t)
	b.SetCallbacks(func(p string) { led.MarkSucceeded(context.Background(), p) }, func(p string) { led.MarkFailed(context.Background(), p) })

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	led.MarkFailed(context.Background(), f)

	svc := New([]*bucket.Bucket{b}, led, reachability.New(0), 10)
	svc.RunOnce(context.Background())
	b.FinishPending(context.Background())

	require.Equal(t, 1, remote.put["a.bin"])
}

func TestTickSkipsEverythingWhenProbeDown(t *testing.T) {
	remote := newFakeRemote()
	dir := t.TempDir()

	b, err := bucket.New(context.Background(), dir, remote, reachability.New(0), bucket.DefaultConfig())
	require.NoError(t, err)

	led := newTestLedger(t)

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	downProbe := reachability.New(time.Hour)
	downProbe.Host = "127.0.0.1:1" // nothing listens here; dial fails immediately

	svc := New([]*bucket.Bucket{b}, led, downProbe, 10)
	svc.RunOnce(context.Background())

	require.Equal(t, 0, remote.put["a.bin"])
}
