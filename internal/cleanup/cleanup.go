package cleanup

import (
	"os"
	"path/filepath"
	"time"

	"context"

	"github.com/mpetrun5/bookgrab/internal/logctx"
)

// SweepStaging deletes staging entries untouched for longer than maxAge.
// Crashed or killed workers leave their per-task directories behind; the
// sweep reclaims them without touching anything a live worker still writes
// to. It returns how many entries were removed.
func SweepStaging(ctx context.Context, dir string, maxAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat staging entry", "path", path, "err", err)

			return removed, err
		}

		age := newestModTime(path, info.ModTime())
		if age.After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("Failed to delete stale staging entry", "path", path, "err", err)

			return removed, err
		}

		logger.Info("Deleted stale staging entry", "path", path)
		removed++
	}

	return removed, nil
}

// newestModTime walks a staging entry and returns the most recent
// modification time found, so a directory still being written into is never
// judged stale by its own creation time.
func newestModTime(path string, fallback time.Time) time.Time {
	newest := fallback

	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}

		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}

		return nil
	})

	return newest
}
