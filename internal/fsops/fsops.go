// Package fsops provides collision-safe filesystem primitives. Every
// operation that could land on an existing path attempts an exclusive create
// at the requested location and walks name_<n>.<ext> alternatives on
// collision, failing loudly once the attempt budget is spent. Nothing here
// ever silently overwrites.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	maxCollisionAttempts = 50
)

// CollisionError reports that every candidate name for a path was taken.
type CollisionError struct {
	Path     string
	Attempts int
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("no free name for %s after %d attempts", e.Path, e.Attempts)
}

// candidate returns the n-th alternative name for a path: "name_<n>.<ext>".
// n == 0 is the path itself.
func candidate(path string, n int) string {
	if n == 0 {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	return fmt.Sprintf("%s_%d%s", base, n, ext)
}

// WriteFile writes data at path, or at the first free name_<n>.<ext>
// alternative when path is taken. It returns the path actually written.
func WriteFile(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	for n := 0; n < maxCollisionAttempts; n++ {
		target := candidate(path, n)

		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, os.ErrExist) {
			continue
		}

		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", target, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(target)

			return "", fmt.Errorf("failed to write %s: %w", target, err)
		}

		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", target, err)
		}

		return target, nil
	}

	return "", &CollisionError{Path: path, Attempts: maxCollisionAttempts}
}

// Move renames src to dst (or a free alternative), falling back to
// copy-then-delete when the rename crosses filesystems. Returns the final
// path.
func Move(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	for n := 0; n < maxCollisionAttempts; n++ {
		target := candidate(dst, n)

		if _, err := os.Lstat(target); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", target, err)
		}

		if err := os.Rename(src, target); err != nil {
			// Cross-device rename; copy and delete the original instead.
			final, copyErr := Copy(src, target)
			if copyErr != nil {
				return "", fmt.Errorf("rename failed (%v) and copy fallback failed: %w", err, copyErr)
			}

			if rmErr := os.Remove(src); rmErr != nil {
				return "", fmt.Errorf("copied to %s but failed to remove source: %w", final, rmErr)
			}

			return final, nil
		}

		return target, nil
	}

	return "", &CollisionError{Path: dst, Attempts: maxCollisionAttempts}
}

// Copy duplicates src at dst (or a free alternative) leaving src untouched.
// Returns the final path.
func Copy(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}

	for n := 0; n < maxCollisionAttempts; n++ {
		target := candidate(dst, n)

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
		if errors.Is(err, os.ErrExist) {
			continue
		}

		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", target, err)
		}

		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			os.Remove(target)

			return "", fmt.Errorf("failed to copy to %s: %w", target, err)
		}

		if err := out.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", target, err)
		}

		return target, nil
	}

	return "", &CollisionError{Path: dst, Attempts: maxCollisionAttempts}
}

// Hardlink links src at dst (or a free alternative). The caller is expected
// to fall back to Copy when the link fails because src and dst live on
// different filesystems. Returns the final path.
func Hardlink(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	for n := 0; n < maxCollisionAttempts; n++ {
		target := candidate(dst, n)

		err := os.Link(src, target)
		if errors.Is(err, os.ErrExist) {
			continue
		}

		if err != nil {
			return "", fmt.Errorf("failed to link %s: %w", target, err)
		}

		return target, nil
	}

	return "", &CollisionError{Path: dst, Attempts: maxCollisionAttempts}
}
