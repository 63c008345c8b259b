package bucket

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldersync/foldersync/reachability"
)

type fakeRemote struct {
	mu       sync.Mutex
	put      map[string]int
	putErr   error
	putDelay time.Duration
	existsFn func(bucket, key string) (bool, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{put: map[string]int{}}
}

func (f *fakeRemote) BucketRegion(ctx context.Context, bucket string) (string, error) {
	return "us-east-1", nil
}

func (f *fakeRemote) PutFile(ctx context.Context, bucket, key, path string) error {
	if f.putDelay > 0 {
		select {
		case <-time.After(f.putDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.put[key]++
	err := f.putErr
	f.mu.Unlock()

	return err
}

func (f *fakeRemote) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(bucket, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.put[key] > 0, nil
}

func (f *fakeRemote) putCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.put[key]
}

func alwaysUpProbe() *reachability.Probe {
	return reachability.New(0)
}

func newTestBucket(t *testing.T, remote Remote, cfg Config) (*Bucket, string) {
	t.Helper()

	dir := t.TempDir()

	b, err := New(context.Background(), dir, remote, alwaysUpProbe(), cfg)
	require.NoError(t, err)
	require.True(t, b.Ready())

	return b, dir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v", timeout)
}

func TestEnqueueUploadsFile(t *testing.T) {
	remote := newFakeRemote()
	cfg := DefaultConfig()
	b, dir := newTestBucket(t, remote, cfg)

	var succeeded []string
	var mu sync.Mutex
	b.SetCallbacks(func(path string) {
		mu.Lock()
		succeeded = append(succeeded, path)
		mu.Unlock()
	}, nil)

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	b.Enqueue(context.Background(), f)

	waitFor(t, 2*time.Second, func() bool { return remote.putCount("a.bin") == 1 })

	b.FinishPending(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, succeeded, f)
}

func TestEnqueueDuplicateIsIgnoredWhileActive(t *testing.T) {
	remote := newFakeRemote()
	remote.putDelay = 200 * time.Millisecond

	cfg := DefaultConfig()
	cfg.MaxActivePerBucket = 1

	b, dir := newTestBucket(t, remote, cfg)

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	b.Enqueue(context.Background(), f)
	b.Enqueue(context.Background(), f)
	b.Enqueue(context.Background(), f)

	b.FinishPending(context.Background())

	require.Equal(t, 1, remote.putCount("a.bin"))
}

func TestFailedUploadInvokesOnFailed(t *testing.T) {
	remote := newFakeRemote()
	remote.putErr = require.AnError

	b, dir := newTestBucket(t, remote, DefaultConfig())

	var failed []string
	var mu sync.Mutex
	b.SetCallbacks(nil, func(path string) {
		mu.Lock()
		failed = append(failed, path)
		mu.Unlock()
	})

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	b.Enqueue(context.Background(), f)
	b.FinishPending(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, failed, f)
}

func TestUploadTimeoutFailsAttempt(t *testing.T) {
	remote := newFakeRemote()
	remote.putDelay = 500 * time.Millisecond

	cfg := DefaultConfig()
	cfg.UploadTimeout = 50 * time.Millisecond

	b, dir := newTestBucket(t, remote, cfg)

	var failed bool
	var mu sync.Mutex
	b.SetCallbacks(nil, func(path string) {
		mu.Lock()
		failed = true
		mu.Unlock()
	})

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	b.Enqueue(context.Background(), f)
	b.FinishPending(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.True(t, failed)
}

func TestVerificationMismatchFailsAttempt(t *testing.T) {
	remote := newFakeRemote()
	remote.existsFn = func(bucket, key string) (bool, error) {
		return false, nil
	}

	cfg := DefaultConfig()
	cfg.VerifyTimeout = time.Second

	b, dir := newTestBucket(t, remote, cfg)

	var failed bool
	var mu sync.Mutex
	b.SetCallbacks(nil, func(path string) {
		mu.Lock()
		failed = true
		mu.Unlock()
	})

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	b.Enqueue(context.Background(), f)
	b.FinishPending(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.True(t, failed)
}

func TestMaxActivePerBucketBoundsConcurrency(t *testing.T) {
	remote := newFakeRemote()
	remote.putDelay = 100 * time.Millisecond

	cfg := DefaultConfig()
	cfg.MaxActivePerBucket = 2

	b, dir := newTestBucket(t, remote, cfg)

	for i := 0; i < 5; i++ {
		f := filepath.Join(dir, string(rune('a'+i))+".bin")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
		b.Enqueue(context.Background(), f)
	}

	waitFor(t, time.Second, func() bool { return b.ActiveLen() > 0 })
	require.LessOrEqual(t, b.ActiveLen(), 2)

	b.FinishPending(context.Background())
	require.Equal(t, 0, b.ActiveLen())
	require.Equal(t, 0, b.PendingLen())
}

func TestSweepEnqueuesExistingFiles(t *testing.T) {
	remote := newFakeRemote()
	b, dir := newTestBucket(t, remote, DefaultConfig())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.bin"), []byte("y"), 0o644))

	require.NoError(t, b.Sweep(context.Background()))
	b.FinishPending(context.Background())

	require.Equal(t, 1, remote.putCount("a.bin"))
	require.Equal(t, 1, remote.putCount("sub/b.bin"))
}

func TestSweepNewSkipsKnownPaths(t *testing.T) {
	remote := newFakeRemote()
	b, dir := newTestBucket(t, remote, DefaultConfig())

	known := filepath.Join(dir, "known.bin")
	fresh := filepath.Join(dir, "fresh.bin")
	require.NoError(t, os.WriteFile(known, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0o644))

	require.NoError(t, b.SweepNew(context.Background(), func(p string) bool { return p == known }))
	b.FinishPending(context.Background())

	require.Equal(t, 0, remote.putCount("known.bin"))
	require.Equal(t, 1, remote.putCount("fresh.bin"))
}

func TestCancelPendingClearsQueueAndSignalsActive(t *testing.T) {
	remote := newFakeRemote()
	remote.putDelay = 2 * time.Second

	cfg := DefaultConfig()
	cfg.MaxActivePerBucket = 1

	b, dir := newTestBucket(t, remote, cfg)

	f1 := filepath.Join(dir, "a.bin")
	f2 := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(f1, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(f2, []byte("y"), 0o644))

	b.Enqueue(context.Background(), f1)
	b.Enqueue(context.Background(), f2)

	waitFor(t, time.Second, func() bool { return b.ActiveLen() == 1 })
	require.Equal(t, 1, b.PendingLen())

	b.CancelPending()

	require.Equal(t, 0, b.PendingLen())
	require.Equal(t, 0, b.ActiveLen())
}

func TestShutdownStopsAcceptingNewWork(t *testing.T) {
	remote := newFakeRemote()
	b, dir := newTestBucket(t, remote, DefaultConfig())

	b.Shutdown()
	require.False(t, b.Ready())

	f := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	b.Enqueue(context.Background(), f)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, remote.putCount("a.bin"))
	require.Equal(t, 0, b.PendingLen())
}
