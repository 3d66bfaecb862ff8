package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mpetrun5/bookgrab/internal/dlclient"
	"github.com/mpetrun5/bookgrab/internal/irc"
	"github.com/mpetrun5/bookgrab/internal/logctx"
	"github.com/mpetrun5/bookgrab/internal/task"
)

// payload is what staging hands to delivery: the local files that make up
// the release and whether their originals must survive the commit.
type payload struct {
	files []string // absolute paths, readable on this host

	// preserve means the source files belong to a download daemon (seeding)
	// and must not be moved or deleted.
	preserve bool

	// cleanupDir is a staging directory to remove once the task ends.
	cleanupDir string
}

func (o *Orchestrator) stage(ctx context.Context, t *task.Task) (*payload, error) {
	if err := o.setStatus(t, task.StatusResolving, ""); err != nil {
		return nil, err
	}

	switch t.Source {
	case task.SourceIRC:
		return o.stageIRC(ctx, t)
	case task.SourceTorrent, task.SourceUsenet:
		return o.stageBackend(ctx, t)
	case task.SourceDirect:
		return o.stageDirect(ctx, t)
	default:
		return nil, fmt.Errorf("unknown source %q", t.Source)
	}
}

// stageIRC re-requests a cached result line and receives the book over DCC.
func (o *Orchestrator) stageIRC(ctx context.Context, t *task.Task) (*payload, error) {
	logger := logctx.LoggerFromContext(ctx)

	if o.ircConnect == nil {
		return nil, fmt.Errorf("no irc network configured")
	}

	sess, err := o.ircConnect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to irc network: %w", err)
	}
	defer sess.Close()

	if err := o.setStatus(t, task.StatusLocating, ""); err != nil {
		return nil, err
	}

	if err := sess.RequestBook(ctx, t.Reference); err != nil {
		return nil, fmt.Errorf("failed to request book: %w", err)
	}

	outcome, err := sess.AwaitSearchOutcome(ctx)
	if err != nil {
		return nil, err
	}

	switch outcome.Kind {
	case irc.OutcomeEmpty:
		return nil, fmt.Errorf("server had no copy of the requested file")
	case irc.OutcomeRetryable:
		return nil, fmt.Errorf("server unavailable: %s", outcome.Reason)
	}

	offer := outcome.Offer
	if offer == nil {
		return nil, fmt.Errorf("server reply carried no transfer offer")
	}

	if err := o.setStatus(t, task.StatusDownloading, ""); err != nil {
		return nil, err
	}

	stagingDir := o.taskStagingDir(t)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	destPath := filepath.Join(stagingDir, filepath.Base(offer.Filename))

	lastPct := 0
	progress := func(pct int) {
		if pct >= lastPct+10 || pct == 100 {
			lastPct = pct
			logger.Debug("transfer progress", "percent", pct, "file", offer.Filename)
		}
	}

	cancelled, err := o.dccReceive(ctx, offer, destPath, t.Cancelled, progress)
	if err != nil {
		return &payload{cleanupDir: stagingDir}, err
	}

	if cancelled {
		return &payload{cleanupDir: stagingDir}, errCancelled
	}

	logger.Info("dcc transfer finished", "file", offer.Filename, "size", humanize.Bytes(uint64(offer.Size)))
	o.tel.RecordBytesDownloaded(string(t.Source), offer.Size)

	return &payload{files: []string{destPath}, cleanupDir: stagingDir}, nil
}

// stageBackend hands the release to a download daemon and waits for the
// payload to land on disk.
func (o *Orchestrator) stageBackend(ctx context.Context, t *task.Task) (*payload, error) {
	logger := logctx.LoggerFromContext(ctx)

	proto := dlclient.ProtocolTorrent
	if t.Source == task.SourceUsenet {
		proto = dlclient.ProtocolUsenet
	}

	client, err := o.registry.Select(ctx, proto)
	if err != nil {
		return nil, err
	}

	id, err := o.submitToBackend(ctx, t, client)
	if err != nil {
		o.tel.RecordBackendError(client.Name(), "add")

		return nil, err
	}

	logger.Info("transfer submitted", "backend", client.Name(), "transfer_id", id)

	if err := o.setStatus(t, task.StatusLocating, fmt.Sprintf("waiting on %s", client.Name())); err != nil {
		return nil, err
	}

	dl, err := o.awaitBackend(ctx, t, client, id)
	if err != nil {
		return nil, err
	}

	localPath := o.mapper.ToLocal(dl.SavePath)

	// Remote backends fetch into staging; local ones expose a directory the
	// daemon keeps owning.
	if fetcher, ok := client.(dlclient.Fetcher); ok {
		stagingDir := o.taskStagingDir(t)
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}

		if err := fetcher.FetchTo(ctx, id, stagingDir); err != nil {
			o.tel.RecordBackendError(client.Name(), "fetch")

			return &payload{cleanupDir: stagingDir}, err
		}

		files := make([]string, 0, len(dl.Files))
		for _, f := range dl.Files {
			files = append(files, filepath.Join(stagingDir, f.Path))
		}

		o.tel.RecordBytesDownloaded(string(t.Source), totalSize(dl.Files))

		return &payload{files: files, cleanupDir: stagingDir}, nil
	}

	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("download path %q is not readable after remapping (check remote path mappings): %w", localPath, err)
	}

	preserve := proto == dlclient.ProtocolTorrent && o.cfg.PreserveTorrents

	// A payload outside our staging area belongs to the daemon; remember
	// where, both for seeding preservation and post-hoc path repair.
	if !strings.HasPrefix(localPath, o.cfg.StagingDir) {
		t.OriginalPath = localPath
	} else {
		preserve = false
	}

	files := make([]string, 0, len(dl.Files))
	for _, f := range dl.Files {
		files = append(files, filepath.Join(localPath, f.Path))
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("backend %s reported no files for transfer %s", client.Name(), id)
	}

	logctx.LoggerFromContext(ctx).Info("transfer payload ready",
		"backend", client.Name(),
		"files", len(files),
		"size", humanize.Bytes(uint64(totalSize(dl.Files))),
	)
	o.tel.RecordBytesDownloaded(string(t.Source), totalSize(dl.Files))

	return &payload{files: files, preserve: preserve}, nil
}

func (o *Orchestrator) submitToBackend(ctx context.Context, t *task.Task, client dlclient.Client) (string, error) {
	req := dlclient.AddRequest{Category: "", DownloadDir: ""}

	if t.Source == task.SourceUsenet {
		req.URL = t.Reference

		return client.AddDownload(ctx, req)
	}

	info, err := o.resolver.Resolve(ctx, t.Reference)
	if err != nil {
		return "", err
	}

	// Attach to an existing transfer instead of adding a duplicate.
	if existing, err := client.FindExisting(ctx, info.Hash); err == nil && existing != nil {
		return existing.ID, nil
	}

	if len(info.Raw) > 0 {
		req.FileContent = info.Raw
		req.Filename = info.Hash + ".torrent"
	} else {
		req.Magnet = info.Magnet
	}

	return client.AddDownload(ctx, req)
}

// awaitBackend polls the daemon until the transfer finishes, errors out, or
// the overall timeout expires. The cancellation flag is honored between
// polls.
func (o *Orchestrator) awaitBackend(ctx context.Context, t *task.Task, client dlclient.Client, id string) (*dlclient.Download, error) {
	deadline := time.Now().Add(o.cfg.BackendTimeout)
	announced := false

	for {
		if err := checkCancelled(t); err != nil {
			return nil, err
		}

		dl, err := client.GetStatus(ctx, id)
		if err != nil {
			o.tel.RecordBackendError(client.Name(), "status")

			return nil, err
		}

		switch {
		case dl.State == dlclient.StateError:
			return nil, fmt.Errorf("backend %s reports failure: %s", client.Name(), dl.Message)
		case dl.State.Finished():
			return dl, nil
		case dl.State == dlclient.StateDownloading && !announced:
			announced = true

			if err := o.setStatus(t, task.StatusDownloading, ""); err != nil {
				return nil, err
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transfer did not finish within %s", o.cfg.BackendTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.BackendPollInterval):
		}
	}
}

// stageDirect downloads the reference URL over plain HTTP.
func (o *Orchestrator) stageDirect(ctx context.Context, t *task.Task) (*payload, error) {
	if err := o.setStatus(t, task.StatusDownloading, ""); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Reference, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid download url: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", t.Reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", t.Reference, resp.StatusCode)
	}

	stagingDir := o.taskStagingDir(t)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	destPath := filepath.Join(stagingDir, directFilename(t.Reference, resp))

	out, err := os.Create(destPath)
	if err != nil {
		return &payload{cleanupDir: stagingDir}, fmt.Errorf("failed to create staging file: %w", err)
	}

	logger := logctx.LoggerFromContext(ctx)

	body := newProgressReader(resp.Body, resp.ContentLength, t.Cancelled, func(pct int) {
		logger.Debug("direct download progress", "task_id", t.ID, "pct", pct)
	})

	n, err := io.Copy(out, body)
	out.Close()

	if err != nil {
		if errors.Is(err, errCancelled) {
			return &payload{cleanupDir: stagingDir}, errCancelled
		}

		return &payload{cleanupDir: stagingDir}, fmt.Errorf("failed to write staging file: %w", err)
	}

	logger.Info("direct download finished", "file", destPath, "size", humanize.Bytes(uint64(n)))
	o.tel.RecordBytesDownloaded(string(t.Source), n)

	return &payload{files: []string{destPath}, cleanupDir: stagingDir}, nil
}

// directFilename picks a staged name from the Content-Disposition header or
// the URL path.
func directFilename(rawURL string, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if idx := strings.Index(cd, "filename="); idx >= 0 {
			name := strings.Trim(cd[idx+len("filename="):], `"; `)
			if name != "" {
				return filepath.Base(name)
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		if name := filepath.Base(u.Path); name != "." && name != "/" {
			return name
		}
	}

	return "download.bin"
}

func totalSize(files []dlclient.File) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	return total
}
