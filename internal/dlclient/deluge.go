package dlclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mpetrun5/bookgrab/internal/logctx"
)

// DelugeConfig holds the settings for a Deluge web UI endpoint.
type DelugeConfig struct {
	BaseURL  string
	Password string
	Category string
	Insecure bool
}

// Deluge talks to the Deluge web JSON-RPC API. Authentication is a password
// exchanged for a _session_id cookie; the session is re-established
// transparently when the daemon reports it expired.
type Deluge struct {
	cfg        DelugeConfig
	httpClient *http.Client

	mu     sync.Mutex
	cookie string
	nextID int
}

func NewDeluge(cfg DelugeConfig) *Deluge {
	client := &http.Client{Timeout: 30 * time.Second}

	if cfg.Insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Deluge{cfg: cfg, httpClient: client, nextID: 1}
}

func (d *Deluge) Name() string       { return "deluge" }
func (d *Deluge) Protocol() Protocol { return ProtocolTorrent }

func (d *Deluge) IsConfigured() bool {
	return d.cfg.BaseURL != "" && d.cfg.Password != ""
}

func (d *Deluge) TestConnection(ctx context.Context) error {
	return d.authenticate(ctx)
}

type delugeRPCError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

const delugeNotAuthenticated = 1

// call performs one JSON-RPC request, retrying once through a fresh login
// when the session has expired.
func (d *Deluge) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := d.ensureSession(ctx); err != nil {
		return err
	}

	rpcErr, err := d.callOnce(ctx, method, params, result)
	if err != nil {
		return err
	}

	if rpcErr != nil && rpcErr.Code == delugeNotAuthenticated {
		if err := d.authenticate(ctx); err != nil {
			return err
		}

		rpcErr, err = d.callOnce(ctx, method, params, result)
		if err != nil {
			return err
		}
	}

	if rpcErr != nil {
		return &BackendError{Backend: d.Name(), Op: method, Err: fmt.Errorf("%s (code %d)", rpcErr.Message, rpcErr.Code)}
	}

	return nil
}

func (d *Deluge) callOnce(ctx context.Context, method string, params []interface{}, result interface{}) (*delugeRPCError, error) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	cookie := d.cookie
	d.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"id":     id,
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "_session_id", Value: cookie})
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &BackendError{Backend: d.Name(), Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, &BackendError{Backend: d.Name(), Op: method, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(b))}
	}

	for _, c := range resp.Cookies() {
		if c.Name == "_session_id" {
			d.mu.Lock()
			d.cookie = c.Value
			d.mu.Unlock()
		}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *delugeRPCError `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, &BackendError{Backend: d.Name(), Op: method, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if rpcResp.Error != nil {
		return rpcResp.Error, nil
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return nil, &BackendError{Backend: d.Name(), Op: method, Err: fmt.Errorf("failed to decode result: %w", err)}
		}
	}

	return nil, nil
}

func (d *Deluge) ensureSession(ctx context.Context) error {
	d.mu.Lock()
	haveCookie := d.cookie != ""
	d.mu.Unlock()

	if haveCookie {
		return nil
	}

	return d.authenticate(ctx)
}

func (d *Deluge) authenticate(ctx context.Context) error {
	var ok bool

	rpcErr, err := d.callOnce(ctx, "auth.login", []interface{}{d.cfg.Password}, &ok)
	if err != nil {
		return err
	}

	if rpcErr != nil {
		return &BackendError{Backend: d.Name(), Op: "auth.login", Err: fmt.Errorf("%s (code %d)", rpcErr.Message, rpcErr.Code)}
	}

	if !ok {
		return &BackendError{Backend: d.Name(), Op: "auth.login", Err: fmt.Errorf("password rejected")}
	}

	return nil
}

func (d *Deluge) AddDownload(ctx context.Context, req AddRequest) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("backend", d.Name())

	options := map[string]interface{}{}
	if req.DownloadDir != "" {
		options["download_location"] = req.DownloadDir
	}

	var (
		hash string
		err  error
	)

	switch {
	case req.Magnet != "":
		err = d.call(ctx, "core.add_torrent_magnet", []interface{}{req.Magnet, options}, &hash)
	case len(req.FileContent) > 0:
		encoded := base64.StdEncoding.EncodeToString(req.FileContent)
		err = d.call(ctx, "core.add_torrent_file", []interface{}{req.Filename, encoded, options}, &hash)
	default:
		return "", &BackendError{Backend: d.Name(), Op: "add", Err: fmt.Errorf("request has neither magnet nor file content")}
	}

	if err != nil {
		return "", err
	}

	if hash == "" {
		return "", &BackendError{Backend: d.Name(), Op: "add", Err: fmt.Errorf("daemon accepted the torrent but returned no hash")}
	}

	hash = strings.ToLower(hash)

	category := req.Category
	if category == "" {
		category = d.cfg.Category
	}

	if category != "" {
		// Label plugin may be absent; a failed label never fails the add.
		if err := d.call(ctx, "label.set_torrent", []interface{}{hash, category}, nil); err != nil {
			logger.Warn("failed to set torrent label", "hash", hash, "err", err)
		}
	}

	logger.Info("torrent added", "hash", hash)

	return hash, nil
}

type delugeTorrent struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	SavePath string  `json:"save_path"`
	Message  string  `json:"message"`
	Files    []struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	} `json:"files"`
}

var delugeStatusFields = []string{"name", "state", "progress", "save_path", "message", "files"}

func (d *Deluge) GetStatus(ctx context.Context, id string) (*Download, error) {
	var torrent delugeTorrent

	err := d.call(ctx, "core.get_torrent_status", []interface{}{id, delugeStatusFields}, &torrent)
	if err != nil {
		return nil, err
	}

	// Deluge answers an unknown hash with an empty dict instead of an error.
	if torrent.Name == "" && torrent.SavePath == "" {
		return nil, &NotFoundError{Backend: d.Name(), ID: id}
	}

	return d.toDownload(id, torrent), nil
}

func (d *Deluge) toDownload(hash string, t delugeTorrent) *Download {
	dl := &Download{
		ID:       hash,
		Name:     t.Name,
		Hash:     hash,
		SavePath: t.SavePath,
		Progress: t.Progress,
		State:    delugeState(t.State, t.Progress),
	}

	if dl.State == StateError {
		dl.Message = t.Message
	}

	for _, f := range t.Files {
		dl.Files = append(dl.Files, File{Path: f.Path, Size: f.Size})
	}

	return dl
}

func delugeState(state string, progress float64) State {
	switch state {
	case "Error":
		return StateError
	case "Seeding":
		return StateSeeding
	case "Queued", "Checking", "Allocating", "Moving":
		return StateQueued
	case "Paused":
		if progress >= 100 {
			return StateComplete
		}

		return StateQueued
	default:
		if progress >= 100 {
			return StateComplete
		}

		return StateDownloading
	}
}

func (d *Deluge) GetDownloadPath(ctx context.Context, id string) (string, error) {
	dl, err := d.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}

	return dl.SavePath, nil
}

func (d *Deluge) FindExisting(ctx context.Context, hash string) (*Download, error) {
	dl, err := d.GetStatus(ctx, strings.ToLower(hash))
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}

		return nil, err
	}

	return dl, nil
}

func (d *Deluge) Remove(ctx context.Context, id string, deleteData bool) error {
	var removed bool

	if err := d.call(ctx, "core.remove_torrent", []interface{}{id, deleteData}, &removed); err != nil {
		return err
	}

	if !removed {
		return &NotFoundError{Backend: d.Name(), ID: id}
	}

	return nil
}
