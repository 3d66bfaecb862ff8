package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepStaging(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "task-old")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "partial.epub"), []byte("x"), 0o600))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(stale, "partial.epub"), old, old))
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(dir, "task-live")
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fresh, "book.epub"), []byte("x"), 0o600))

	removed, err := SweepStaging(context.Background(), dir, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	require.NoDirExists(t, stale)
	require.DirExists(t, fresh)
}

func TestSweepStaging_RecentWriteKeepsOldDirectory(t *testing.T) {
	dir := t.TempDir()

	// The directory itself is old, but a worker wrote into it recently.
	active := filepath.Join(dir, "task-active")
	require.NoError(t, os.MkdirAll(active, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(active, "part.mp3"), []byte("x"), 0o600))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(active, old, old))

	removed, err := SweepStaging(context.Background(), dir, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.DirExists(t, active)
}

func TestSweepStaging_MissingDirIsFine(t *testing.T) {
	removed, err := SweepStaging(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)
}
