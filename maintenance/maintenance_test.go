package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foldersync/foldersync/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() { l.Close() })

	return l
}

func TestPruneRemovesDeletedFile(t *testing.T) {
	root := t.TempDir()
	led := newTestLedger(t)

	f := filepath.Join(root, "gone.bin")
	led.MarkSucceeded(context.Background(), f)

	svc := New(led, []string{root})
	svc.RunOnce(context.Background())

	require.False(t, led.Exists(context.Background(), f))
}

func TestPruneKeepsExistingFileUnderRoot(t *testing.T) {
	root := t.TempDir()
	led := newTestLedger(t)

	f := filepath.Join(root, "here.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	led.MarkSucceeded(context.Background(), f)

	svc := New(led, []string{root})
	svc.RunOnce(context.Background())

	require.True(t, led.Exists(context.Background(), f))
}

func TestPruneRemovesFileOutsideAllRoots(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	led := newTestLedger(t)

	f := filepath.Join(outside, "stray.bin")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	led.MarkSucceeded(context.Background(), f)

	svc := New(led, []string{root})
	svc.RunOnce(context.Background())

	require.False(t, led.Exists(context.Background(), f))
}
