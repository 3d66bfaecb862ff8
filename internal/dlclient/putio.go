package dlclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/mpetrun5/bookgrab/internal/logctx"
)

// PutioConfig holds the settings for a Put.io account.
type PutioConfig struct {
	Token  string
	Folder string // remote folder new transfers save into
}

// Putio drives a Put.io account as a torrent backend. Unlike the local
// daemons its payload lives remotely, so it also implements Fetcher and the
// pipeline pulls finished files down over HTTP instead of reading a shared
// filesystem.
type Putio struct {
	cfg    PutioConfig
	client *putio.Client
}

func NewPutio(cfg PutioConfig) *Putio {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})

	return &Putio{
		cfg:    cfg,
		client: putio.NewClient(oauth2.NewClient(context.Background(), tokenSource)),
	}
}

func (p *Putio) Name() string       { return "putio" }
func (p *Putio) Protocol() Protocol { return ProtocolTorrent }

func (p *Putio) IsConfigured() bool {
	return p.cfg.Token != ""
}

func (p *Putio) TestConnection(ctx context.Context) error {
	if _, err := p.client.Account.Info(ctx); err != nil {
		return &BackendError{Backend: p.Name(), Op: "account info", Err: err}
	}

	return nil
}

func (p *Putio) AddDownload(ctx context.Context, req AddRequest) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("backend", p.Name())

	dirID, err := p.folderID(ctx)
	if err != nil {
		return "", err
	}

	switch {
	case req.Magnet != "":
		t, err := p.client.Transfers.Add(ctx, req.Magnet, dirID, "")
		if err != nil {
			return "", &BackendError{Backend: p.Name(), Op: "add transfer", Err: err}
		}

		logger.Info("transfer added", "transfer_id", t.ID)

		return strconv.FormatInt(t.ID, 10), nil
	case len(req.FileContent) > 0:
		// Uploading .torrent bytes makes Put.io start a transfer itself.
		upload, err := p.client.Files.Upload(ctx, bytes.NewReader(req.FileContent), req.Filename, dirID)
		if err != nil {
			return "", &BackendError{Backend: p.Name(), Op: "upload torrent", Err: err}
		}

		if upload.Transfer == nil {
			return "", &BackendError{Backend: p.Name(), Op: "upload torrent", Err: fmt.Errorf("no transfer created; file may not be a valid torrent")}
		}

		logger.Info("transfer created from torrent upload", "transfer_id", upload.Transfer.ID)

		return strconv.FormatInt(upload.Transfer.ID, 10), nil
	default:
		return "", &BackendError{Backend: p.Name(), Op: "add", Err: fmt.Errorf("request has neither magnet nor file content")}
	}
}

func (p *Putio) folderID(ctx context.Context) (int64, error) {
	if p.cfg.Folder == "" {
		return 0, nil
	}

	search, err := p.client.Files.Search(ctx, p.cfg.Folder, 1)
	if err != nil {
		return 0, &BackendError{Backend: p.Name(), Op: "find folder", Err: err}
	}

	if len(search.Files) == 0 || !search.Files[0].IsDir() {
		return 0, &BackendError{Backend: p.Name(), Op: "find folder", Err: fmt.Errorf("folder %q not found", p.cfg.Folder)}
	}

	return search.Files[0].ID, nil
}

func (p *Putio) GetStatus(ctx context.Context, id string) (*Download, error) {
	t, err := p.findTransfer(ctx, id)
	if err != nil {
		return nil, err
	}

	if t == nil {
		return nil, &NotFoundError{Backend: p.Name(), ID: id}
	}

	dl := &Download{
		ID:       id,
		Name:     t.Name,
		SavePath: "/" + p.cfg.Folder,
		Progress: float64(t.PercentDone),
		State:    putioState(t.Status),
	}

	if dl.State == StateError {
		dl.Message = t.ErrorMessage
	}

	if t.FileID != 0 {
		root, err := p.client.Files.Get(ctx, t.FileID)
		if err != nil {
			return nil, &BackendError{Backend: p.Name(), Op: "get file", Err: err}
		}

		files, err := p.collectFiles(ctx, root, root.Name)
		if err != nil {
			return nil, err
		}

		dl.Files = files
	}

	return dl, nil
}

func (p *Putio) findTransfer(ctx context.Context, id string) (*putio.Transfer, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &NotFoundError{Backend: p.Name(), ID: id}
	}

	transfers, err := p.client.Transfers.List(ctx)
	if err != nil {
		return nil, &BackendError{Backend: p.Name(), Op: "list transfers", Err: err}
	}

	for i := range transfers {
		if transfers[i].ID == numeric {
			return &transfers[i], nil
		}
	}

	return nil, nil
}

func putioState(status string) State {
	switch status {
	case "COMPLETED":
		return StateComplete
	case "SEEDING":
		return StateSeeding
	case "DOWNLOADING", "COMPLETING":
		return StateDownloading
	case "ERROR":
		return StateError
	default: // IN_QUEUE, WAITING, PREPARING_DOWNLOAD
		return StateQueued
	}
}

// collectFiles walks the remote tree under a file or folder, returning
// payload paths relative to the transfer root.
func (p *Putio) collectFiles(ctx context.Context, f putio.File, base string) ([]File, error) {
	if !f.IsDir() {
		return []File{{Path: base, Size: f.Size}}, nil
	}

	children, _, err := p.client.Files.List(ctx, f.ID)
	if err != nil {
		return nil, &BackendError{Backend: p.Name(), Op: "list files", Err: err}
	}

	var out []File

	for _, child := range children {
		nested, err := p.collectFiles(ctx, child, filepath.Join(base, child.Name))
		if err != nil {
			return nil, err
		}

		out = append(out, nested...)
	}

	return out, nil
}

func (p *Putio) GetDownloadPath(ctx context.Context, id string) (string, error) {
	dl, err := p.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}

	return dl.SavePath, nil
}

// FindExisting matches by the info hash embedded in the transfer source
// link; Put.io does not expose the hash directly.
func (p *Putio) FindExisting(ctx context.Context, hash string) (*Download, error) {
	transfers, err := p.client.Transfers.List(ctx)
	if err != nil {
		return nil, &BackendError{Backend: p.Name(), Op: "list transfers", Err: err}
	}

	needle := strings.ToLower(hash)

	for _, t := range transfers {
		if strings.Contains(strings.ToLower(t.Source), needle) {
			return p.GetStatus(ctx, strconv.FormatInt(t.ID, 10))
		}
	}

	return nil, nil
}

func (p *Putio) Remove(ctx context.Context, id string, deleteData bool) error {
	t, err := p.findTransfer(ctx, id)
	if err != nil {
		return err
	}

	if t == nil {
		return &NotFoundError{Backend: p.Name(), ID: id}
	}

	if err := p.client.Transfers.Cancel(ctx, t.ID); err != nil {
		return &BackendError{Backend: p.Name(), Op: "cancel transfer", Err: err}
	}

	if deleteData && t.FileID != 0 {
		if err := p.client.Files.Delete(ctx, t.FileID); err != nil {
			return &BackendError{Backend: p.Name(), Op: "delete files", Err: err}
		}
	}

	return nil
}

// FetchTo downloads every payload file of a finished transfer into destDir,
// preserving relative paths. Satisfies the pipeline's Fetcher extension for
// backends without a shared filesystem.
func (p *Putio) FetchTo(ctx context.Context, id string, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("backend", p.Name(), "transfer_id", id)

	dl, err := p.GetStatus(ctx, id)
	if err != nil {
		return err
	}

	t, err := p.findTransfer(ctx, id)
	if err != nil {
		return err
	}

	if t == nil || t.FileID == 0 {
		return &BackendError{Backend: p.Name(), Op: "fetch", Err: fmt.Errorf("transfer has no files yet")}
	}

	root, err := p.client.Files.Get(ctx, t.FileID)
	if err != nil {
		return &BackendError{Backend: p.Name(), Op: "get file", Err: err}
	}

	ids := map[string]int64{}
	if err := p.indexFileIDs(ctx, root, root.Name, ids); err != nil {
		return err
	}

	for _, f := range dl.Files {
		fileID, ok := ids[f.Path]
		if !ok {
			continue
		}

		if err := p.fetchOne(ctx, fileID, filepath.Join(destDir, f.Path)); err != nil {
			return err
		}

		logger.Debug("fetched file", "path", f.Path, "size", f.Size)
	}

	return nil
}

func (p *Putio) indexFileIDs(ctx context.Context, f putio.File, base string, out map[string]int64) error {
	if !f.IsDir() {
		out[base] = f.ID

		return nil
	}

	children, _, err := p.client.Files.List(ctx, f.ID)
	if err != nil {
		return &BackendError{Backend: p.Name(), Op: "list files", Err: err}
	}

	for _, child := range children {
		if err := p.indexFileIDs(ctx, child, filepath.Join(base, child.Name), out); err != nil {
			return err
		}
	}

	return nil
}

func (p *Putio) fetchOne(ctx context.Context, fileID int64, destPath string) error {
	url, err := p.client.Files.URL(ctx, fileID, false)
	if err != nil {
		return &BackendError{Backend: p.Name(), Op: "file url", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &BackendError{Backend: p.Name(), Op: "fetch file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &BackendError{Backend: p.Name(), Op: "fetch file", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}

	return nil
}
