package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldersync/foldersync/cli"
)

type fakeRemote struct {
	mu  sync.Mutex
	put map[string]int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{put: map[string]int{}} }

func (f *fakeRemote) BucketRegion(ctx context.Context, bucket string) (string, error) {
	return "us-east-1", nil
}

func (f *fakeRemote) PutFile(ctx context.Context, bucketName, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.put[key]++

	return nil
}

func (f *fakeRemote) Exists(ctx context.Context, bucketName, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.put[key] > 0, nil
}

func (f *fakeRemote) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.put[key]
}

func TestSweepOnceUploadsExistingFilesAndExitsZero(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "b1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b1", "a.bin"), []byte("x"), 0o644))

	remote := newFakeRemote()
	cfg := &cli.Config{
		Root:          root,
		BucketMax:     10,
		UploadTimeout: 5 * time.Second,
		PingInterval:  0,
		SweepOnce:     true,
	}

	co := New(cfg, remote)
	code := co.Run(context.Background())

	require.Equal(t, 0, code)
	require.Equal(t, 1, remote.count("a.bin"))
}

func TestRunFailsOnUnreadableRoot(t *testing.T) {
	cfg := &cli.Config{Root: filepath.Join(t.TempDir(), "does-not-exist"), SweepOnce: true}

	co := New(cfg, newFakeRemote())
	code := co.Run(context.Background())

	require.Equal(t, 1, code)
}

func TestSecondInstanceFailsStartupLock(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "b1"), 0o755))

	cfg1 := &cli.Config{Root: root, BucketMax: 10, UploadTimeout: time.Second, SweepOnce: false, PingInterval: 0}
	co1 := New(cfg1, newFakeRemote())
	require.NoError(t, co1.setup(context.Background()))

	defer co1.teardown(context.Background())

	cfg2 := &cli.Config{Root: root, BucketMax: 10, UploadTimeout: time.Second, SweepOnce: true}
	co2 := New(cfg2, newFakeRemote())

	code := co2.Run(context.Background())
	require.Equal(t, 1, code)
}
