package dlclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TransmissionConfig holds the settings for a Transmission RPC endpoint.
type TransmissionConfig struct {
	BaseURL  string // e.g. http://host:9091
	Username string
	Password string
	Category string
}

// Transmission talks to the Transmission RPC API. The CSRF session header
// is learned from the daemon's 409 reply and replayed on later requests.
type Transmission struct {
	cfg        TransmissionConfig
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

func NewTransmission(cfg TransmissionConfig) *Transmission {
	return &Transmission{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *Transmission) Name() string       { return "transmission" }
func (t *Transmission) Protocol() Protocol { return ProtocolTorrent }

func (t *Transmission) IsConfigured() bool {
	return t.cfg.BaseURL != ""
}

func (t *Transmission) TestConnection(ctx context.Context) error {
	var args struct {
		Version string `json:"version"`
	}

	return t.call(ctx, "session-get", nil, &args)
}

func (t *Transmission) call(ctx context.Context, method string, args interface{}, result interface{}) error {
	// One retry to pick up a fresh session id from the 409 reply.
	for attempt := 0; attempt < 2; attempt++ {
		retry, err := t.callOnce(ctx, method, args, result)
		if err != nil {
			return err
		}

		if !retry {
			return nil
		}
	}

	return &BackendError{Backend: t.Name(), Op: method, Err: fmt.Errorf("session id rejected twice")}
}

func (t *Transmission) callOnce(ctx context.Context, method string, args interface{}, result interface{}) (retry bool, err error) {
	payload, err := json.Marshal(map[string]interface{}{
		"method":    method,
		"arguments": args,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/transmission/rpc", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}

	req.Header.Set("Content-Type", "application/json")

	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set("X-Transmission-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false, &BackendError{Backend: t.Name(), Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		t.mu.Lock()
		t.sessionID = resp.Header.Get("X-Transmission-Session-Id")
		t.mu.Unlock()

		return true, nil
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return false, &BackendError{Backend: t.Name(), Op: method, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(b))}
	}

	var rpcResp struct {
		Result    string          `json:"result"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, &BackendError{Backend: t.Name(), Op: method, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if rpcResp.Result != "success" {
		return false, &BackendError{Backend: t.Name(), Op: method, Err: fmt.Errorf("daemon replied %q", rpcResp.Result)}
	}

	if result != nil && len(rpcResp.Arguments) > 0 {
		if err := json.Unmarshal(rpcResp.Arguments, result); err != nil {
			return false, &BackendError{Backend: t.Name(), Op: method, Err: fmt.Errorf("failed to decode arguments: %w", err)}
		}
	}

	return false, nil
}

type transmissionTorrentRef struct {
	ID         int64  `json:"id"`
	HashString string `json:"hashString"`
	Name       string `json:"name"`
}

func (t *Transmission) AddDownload(ctx context.Context, req AddRequest) (string, error) {
	args := map[string]interface{}{}

	switch {
	case req.Magnet != "":
		args["filename"] = req.Magnet
	case len(req.FileContent) > 0:
		args["metainfo"] = base64.StdEncoding.EncodeToString(req.FileContent)
	default:
		return "", &BackendError{Backend: t.Name(), Op: "torrent-add", Err: fmt.Errorf("request has neither magnet nor file content")}
	}

	if req.DownloadDir != "" {
		args["download-dir"] = req.DownloadDir
	}

	category := req.Category
	if category == "" {
		category = t.cfg.Category
	}

	if category != "" {
		args["labels"] = []string{category}
	}

	var result struct {
		Added     *transmissionTorrentRef `json:"torrent-added"`
		Duplicate *transmissionTorrentRef `json:"torrent-duplicate"`
	}

	if err := t.call(ctx, "torrent-add", args, &result); err != nil {
		return "", err
	}

	// A duplicate means the daemon already holds this torrent; attaching to
	// it is the desired behavior, not a failure.
	ref := result.Added
	if ref == nil {
		ref = result.Duplicate
	}

	if ref == nil {
		return "", &BackendError{Backend: t.Name(), Op: "torrent-add", Err: fmt.Errorf("daemon returned neither torrent-added nor torrent-duplicate")}
	}

	return strings.ToLower(ref.HashString), nil
}

type transmissionTorrent struct {
	HashString  string  `json:"hashString"`
	Name        string  `json:"name"`
	Status      int     `json:"status"`
	PercentDone float64 `json:"percentDone"`
	ErrorString string  `json:"errorString"`
	DownloadDir string  `json:"downloadDir"`
	Files       []struct {
		Name   string `json:"name"`
		Length int64  `json:"length"`
	} `json:"files"`
}

var transmissionFields = []string{"hashString", "name", "status", "percentDone", "errorString", "downloadDir", "files"}

func (t *Transmission) GetStatus(ctx context.Context, id string) (*Download, error) {
	var result struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}

	args := map[string]interface{}{
		"ids":    []string{id},
		"fields": transmissionFields,
	}

	if err := t.call(ctx, "torrent-get", args, &result); err != nil {
		return nil, err
	}

	if len(result.Torrents) == 0 {
		return nil, &NotFoundError{Backend: t.Name(), ID: id}
	}

	return t.toDownload(result.Torrents[0]), nil
}

func (t *Transmission) toDownload(tor transmissionTorrent) *Download {
	dl := &Download{
		ID:       strings.ToLower(tor.HashString),
		Name:     tor.Name,
		Hash:     strings.ToLower(tor.HashString),
		SavePath: tor.DownloadDir,
		Progress: tor.PercentDone * 100,
		State:    transmissionState(tor),
	}

	if dl.State == StateError {
		dl.Message = tor.ErrorString
	}

	for _, f := range tor.Files {
		dl.Files = append(dl.Files, File{Path: f.Name, Size: f.Length})
	}

	return dl
}

func transmissionState(tor transmissionTorrent) State {
	if tor.ErrorString != "" {
		return StateError
	}

	switch tor.Status {
	case 0: // stopped
		if tor.PercentDone >= 1 {
			return StateComplete
		}

		return StateQueued
	case 1, 2, 3: // check wait, checking, download wait
		return StateQueued
	case 4:
		return StateDownloading
	case 5, 6: // seed wait, seeding
		return StateSeeding
	default:
		return StateQueued
	}
}

func (t *Transmission) GetDownloadPath(ctx context.Context, id string) (string, error) {
	dl, err := t.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}

	return dl.SavePath, nil
}

func (t *Transmission) FindExisting(ctx context.Context, hash string) (*Download, error) {
	dl, err := t.GetStatus(ctx, strings.ToLower(hash))
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}

		return nil, err
	}

	return dl, nil
}

func (t *Transmission) Remove(ctx context.Context, id string, deleteData bool) error {
	args := map[string]interface{}{
		"ids":               []string{id},
		"delete-local-data": deleteData,
	}

	return t.call(ctx, "torrent-remove", args, nil)
}
