package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpetrun5/bookgrab/internal/extract"
	"github.com/mpetrun5/bookgrab/internal/fsops"
	"github.com/mpetrun5/bookgrab/internal/logctx"
	"github.com/mpetrun5/bookgrab/internal/naming"
	"github.com/mpetrun5/bookgrab/internal/task"
)

// deliver turns a staged payload into committed library files: extraction,
// format filtering, name resolution, atomic commit, post-script.
func (o *Orchestrator) deliver(ctx context.Context, t *task.Task, p *payload) (_ []string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	enabled := extract.EnabledSet(o.formatsFor(t.ContentType))

	files := p.files
	preserve := p.preserve

	if len(files) == 1 && extract.IsArchive(files[0]) {
		result, extractErr := extract.Extract(ctx, files[0], o.taskStagingDir(t), enabled)
		if extractErr != nil {
			return nil, extractErr
		}

		defer os.RemoveAll(result.Dir)

		files = result.Files
		// Extracted copies live in staging; the archive itself stays put
		// when the daemon still seeds it.
		preserve = false
	} else {
		files = filterByFormat(ctx, files, enabled)
		if len(files) == 0 {
			return nil, fmt.Errorf("no files match the enabled %s formats", t.ContentType)
		}
	}

	if err := checkCancelled(t); err != nil {
		return nil, err
	}

	destinations, err := o.resolveDestinations(t, files)
	if err != nil {
		return nil, err
	}

	committed := make([]string, 0, len(files))

	for _, src := range files {
		dest := destinations[src]

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			rollbackCommits(ctx, committed)

			return nil, fmt.Errorf("destination is not writable: %w", err)
		}

		final, err := o.commitFile(src, dest, preserve)
		if err != nil {
			rollbackCommits(ctx, committed)

			return nil, err
		}

		logger.Info("file committed", "src", src, "dest", final, "preserved_original", preserve)
		committed = append(committed, final)
	}

	if err := o.runPostScript(ctx, committed); err != nil {
		return nil, err
	}

	return committed, nil
}

func (o *Orchestrator) formatsFor(ct task.ContentType) []string {
	if ct == task.ContentAudiobook {
		return o.cfg.AudiobookFormats
	}

	return o.cfg.EbookFormats
}

func (o *Orchestrator) templateFor(t *task.Task) string {
	if t.Template != "" {
		return t.Template
	}

	if t.ContentType == task.ContentAudiobook {
		return o.cfg.AudiobookTemplate
	}

	return o.cfg.EbookTemplate
}

// filterByFormat drops payload files whose extension is not enabled.
// Originals are left in place; filtering never mutates the source.
func filterByFormat(ctx context.Context, files []string, enabled map[string]bool) []string {
	logger := logctx.LoggerFromContext(ctx)

	kept := make([]string, 0, len(files))

	for _, f := range files {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(f)), ".")
		if enabled[ext] {
			kept = append(kept, f)

			continue
		}

		logger.Debug("skipping file with disabled format", "file", f, "format", ext)
	}

	return kept
}

// resolveDestinations maps each source file to its final library path.
// Multi-file releases get natural-sort part numbers rendered through the
// template's PartNumber token.
func (o *Orchestrator) resolveDestinations(t *task.Task, files []string) (map[string]string, error) {
	baseDir := t.DestinationDir
	if baseDir == "" {
		baseDir = o.cfg.LibraryDir
	}

	if baseDir == "" {
		return nil, fmt.Errorf("no destination directory configured")
	}

	tmpl := o.templateFor(t)

	vals := naming.Values{
		"Title":       t.Title,
		"Author":      t.Author,
		"Series":      t.Series,
		"SeriesIndex": t.SeriesIndex,
		"Year":        t.Year,
	}

	out := make(map[string]string, len(files))

	if len(files) == 1 {
		rel := naming.ResolvePath(tmpl, vals)
		if rel == "" {
			return nil, fmt.Errorf("naming template %q resolved to an empty path", tmpl)
		}

		out[files[0]] = filepath.Join(baseDir, rel+strings.ToLower(filepath.Ext(files[0])))

		return out, nil
	}

	names := make([]string, 0, len(files))
	byName := make(map[string]string, len(files))

	for _, f := range files {
		base := filepath.Base(f)
		names = append(names, base)
		byName[base] = f
	}

	parts := naming.AssignParts(names)

	for base, n := range parts {
		src := byName[base]
		vals["PartNumber"] = naming.FormatPart(n, len(files))

		rel := naming.ResolvePath(tmpl, vals)
		if rel == "" {
			return nil, fmt.Errorf("naming template %q resolved to an empty path", tmpl)
		}

		out[src] = filepath.Join(baseDir, rel+strings.ToLower(filepath.Ext(src)))
	}

	return out, nil
}

// rollbackCommits undoes a partial multi-file commit so a failed delivery
// never leaves half a release in the library.
func rollbackCommits(ctx context.Context, committed []string) {
	logger := logctx.LoggerFromContext(ctx)

	for _, dest := range committed {
		if err := os.Remove(dest); err != nil {
			logger.Warn("could not roll back committed file", "dest", dest, "error", err)

			continue
		}

		logger.Info("rolled back committed file", "dest", dest)
	}
}

// commitFile places src at dest without ever overwriting. Preserved sources
// are hardlinked when the filesystem allows it and copied otherwise;
// expendable sources are moved (with a copy fallback across filesystems).
func (o *Orchestrator) commitFile(src, dest string, preserve bool) (string, error) {
	if !preserve {
		return fsops.Move(src, dest)
	}

	if o.cfg.DisableHardlinks {
		return fsops.Copy(src, dest)
	}

	final, err := fsops.Hardlink(src, dest)
	if err == nil {
		return final, nil
	}

	var collision *fsops.CollisionError
	if errors.As(err, &collision) {
		return "", err
	}

	// Cross-device or unsupported link: fall back to a copy, which also
	// keeps the original for seeding.
	return fsops.Copy(src, dest)
}

// runPostScript invokes the configured script with the destination
// directory as its argument, under a wall-clock timeout.
func (o *Orchestrator) runPostScript(ctx context.Context, committed []string) error {
	if o.cfg.PostScript == "" || len(committed) == 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	scriptCtx, cancel := context.WithTimeout(ctx, o.cfg.PostScriptTimeout)
	defer cancel()

	destDir := filepath.Dir(committed[0])
	start := time.Now()

	cmd := exec.CommandContext(scriptCtx, o.cfg.PostScript, destDir)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(scriptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("post-script timed out after %s", o.cfg.PostScriptTimeout)
		}

		return fmt.Errorf("post-script failed: %v: %s", err, strings.TrimSpace(string(output)))
	}

	logger.Info("post-script finished", "script", o.cfg.PostScript, "dir", destDir, "duration", time.Since(start).Round(time.Millisecond).String())

	return nil
}
