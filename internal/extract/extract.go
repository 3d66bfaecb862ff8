// Package extract unpacks release archives into a private working directory
// before anything touches the library destination. Entries are filtered by
// the content type's enabled-format allowlist, traversal attempts are
// rejected, and a failing extraction removes its working directory so a
// declared failure leaves nothing behind.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/mholt/archives"
	"github.com/mpetrun5/bookgrab/internal/logctx"
)

const dirPerm = 0o755

// recognizedFormats are file extensions bookgrab understands at all. Anything
// outside this set is dropped from an archive without comment; anything in it
// but not enabled for the content type is dropped with a warning.
var recognizedFormats = map[string]bool{
	"epub": true, "mobi": true, "azw3": true, "pdf": true, "cbz": true, "cbr": true,
	"mp3": true, "m4a": true, "m4b": true, "flac": true, "ogg": true, "opus": true,
}

// PasswordError reports an archive that cannot be read without a password.
type PasswordError struct {
	Path string
	Err  error
}

func (e *PasswordError) Error() string {
	return fmt.Sprintf("archive %s is password protected", e.Path)
}

func (e *PasswordError) Unwrap() error { return e.Err }

// CorruptError reports an archive that could not be decoded.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("archive %s is corrupted: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// NoMatchError reports an archive with no entries in the enabled format set.
type NoMatchError struct {
	Path string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("archive %s contains no files matching the enabled formats", e.Path)
}

// Result describes a successful extraction.
type Result struct {
	Dir   string   // private directory holding the extracted files
	Files []string // absolute paths of the kept files
}

// IsArchive reports whether a filename looks like a release archive.
func IsArchive(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".rar":
		return true
	default:
		return false
	}
}

// Extract unpacks archivePath into a fresh subdirectory of workDir, keeping
// only entries whose extension is in the enabled set. The returned directory
// belongs to the caller; on any error no directory is left behind.
func Extract(ctx context.Context, archivePath, workDir string, enabled map[string]bool) (_ *Result, err error) {
	logger := logctx.LoggerFromContext(ctx).With("archive", archivePath)

	if err := os.MkdirAll(workDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	dir, err := os.MkdirTemp(workDir, "extract-")
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, archivePath, f)
	if err != nil {
		return nil, &CorruptError{Path: archivePath, Err: err}
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return nil, &CorruptError{Path: archivePath, Err: fmt.Errorf("format %s is not extractable", format.Extension())}
	}

	var files []string

	handler := func(ctx context.Context, info archives.FileInfo) error {
		if info.IsDir() || info.LinkTarget != "" {
			return nil
		}

		// Zip readers don't reject encrypted entries up front; the flag bit
		// is the only early signal before a decode fails obscurely.
		if fh, ok := info.Header.(zip.FileHeader); ok && fh.Flags&0x1 != 0 {
			return &PasswordError{Path: archivePath, Err: fmt.Errorf("entry %s is encrypted", info.NameInArchive)}
		}

		name := filepath.Base(info.NameInArchive)
		if !safeEntryName(info.NameInArchive) {
			logger.Warn("skipping archive entry with unsafe path", "entry", info.NameInArchive)

			return nil
		}

		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")

		if !enabled[ext] {
			if recognizedFormats[ext] {
				logger.Warn("dropping file in disabled format", "entry", name, "format", ext)
			}

			return nil
		}

		src, err := info.Open()
		if err != nil {
			return fmt.Errorf("failed to open entry %s: %w", name, err)
		}
		defer src.Close()

		target := uniqueTarget(dir, name)

		out, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}

		if _, err := io.Copy(out, src); err != nil {
			out.Close()

			return fmt.Errorf("failed to extract %s: %w", name, err)
		}

		if err := out.Close(); err != nil {
			return err
		}

		files = append(files, target)

		return nil
	}

	if err := extractor.Extract(ctx, input, handler); err != nil {
		return nil, classify(archivePath, err)
	}

	if len(files) == 0 {
		return nil, &NoMatchError{Path: archivePath}
	}

	logger.Debug("archive extracted", "files", len(files), "dir", dir)

	return &Result{Dir: dir, Files: files}, nil
}

// safeEntryName rejects absolute entries and anything that escapes the
// extraction directory via "..".
func safeEntryName(name string) bool {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return false
	}

	clean := filepath.Clean(name)

	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// uniqueTarget picks a free path for an entry landing in dir. Extraction
// flattens archive subdirectories, so same-named entries from different
// folders must not overwrite each other.
func uniqueTarget(dir, name string) string {
	target := filepath.Join(dir, name)
	if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
		return target
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
			return target
		}
	}
}

func classify(path string, err error) error {
	var pw *PasswordError
	if errors.As(err, &pw) {
		return pw
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "password") || strings.Contains(msg, "encrypt") {
		return &PasswordError{Path: path, Err: err}
	}

	return &CorruptError{Path: path, Err: err}
}

// EnabledSet normalizes a list of configured format extensions into the set
// Extract consumes.
func EnabledSet(formats []string) map[string]bool {
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")] = true
	}

	return set
}
