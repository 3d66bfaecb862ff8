package dlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mpetrun5/bookgrab/internal/torrentmeta"
)

// QBittorrentConfig holds the settings for a qBittorrent Web API endpoint.
type QBittorrentConfig struct {
	BaseURL  string
	Username string
	Password string
	Category string
}

// QBittorrent talks to the qBittorrent Web API v2. Login yields an SID
// cookie; a 403 on any call triggers one transparent re-login.
type QBittorrent struct {
	cfg        QBittorrentConfig
	httpClient *http.Client

	mu  sync.Mutex
	sid string
}

func NewQBittorrent(cfg QBittorrentConfig) *QBittorrent {
	return &QBittorrent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (q *QBittorrent) Name() string       { return "qbittorrent" }
func (q *QBittorrent) Protocol() Protocol { return ProtocolTorrent }

func (q *QBittorrent) IsConfigured() bool {
	return q.cfg.BaseURL != "" && q.cfg.Username != ""
}

func (q *QBittorrent) TestConnection(ctx context.Context) error {
	body, err := q.do(ctx, http.MethodGet, "/api/v2/app/version", "", nil)
	if err != nil {
		return err
	}
	body.Close()

	return nil
}

func (q *QBittorrent) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", q.cfg.Username)
	form.Set("password", q.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.BaseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return &BackendError{Backend: q.Name(), Op: "login", Err: err}
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(b)) == "Fails." {
		return &BackendError{Backend: q.Name(), Op: "login", Err: fmt.Errorf("credentials rejected (status %d)", resp.StatusCode)}
	}

	for _, c := range resp.Cookies() {
		if c.Name == "SID" {
			q.mu.Lock()
			q.sid = c.Value
			q.mu.Unlock()

			return nil
		}
	}

	return &BackendError{Backend: q.Name(), Op: "login", Err: fmt.Errorf("no SID cookie in login response")}
}

// do issues one authenticated request, logging in first when there is no
// session and once more when the daemon answers 403.
func (q *QBittorrent) do(ctx context.Context, method, path, contentType string, body []byte) (io.ReadCloser, error) {
	q.mu.Lock()
	haveSession := q.sid != ""
	q.mu.Unlock()

	if !haveSession {
		if err := q.login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := q.doOnce(ctx, method, path, contentType, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()

		if err := q.login(ctx); err != nil {
			return nil, err
		}

		resp, err = q.doOnce(ctx, method, path, contentType, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		return nil, &BackendError{Backend: q.Name(), Op: method + " " + path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(b))}
	}

	return resp.Body, nil
}

func (q *QBittorrent) doOnce(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	q.mu.Lock()
	if q.sid != "" {
		req.AddCookie(&http.Cookie{Name: "SID", Value: q.sid})
	}
	q.mu.Unlock()

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, &BackendError{Backend: q.Name(), Op: method + " " + path, Err: err}
	}

	return resp, nil
}

func (q *QBittorrent) AddDownload(ctx context.Context, req AddRequest) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	category := req.Category
	if category == "" {
		category = q.cfg.Category
	}

	if category != "" {
		w.WriteField("category", category)
	}

	if req.DownloadDir != "" {
		w.WriteField("savepath", req.DownloadDir)
	}

	var hash string

	switch {
	case req.Magnet != "":
		w.WriteField("urls", req.Magnet)

		// The add endpoint returns no hash; for magnets it comes out of the
		// link itself, normalized to hex because the info endpoints key on
		// hex hashes only.
		if info, err := torrentmeta.FromMagnet(req.Magnet); err == nil {
			hash = info.Hash
		}
	case len(req.FileContent) > 0:
		part, err := w.CreateFormFile("torrents", req.Filename)
		if err != nil {
			return "", err
		}

		if _, err := part.Write(req.FileContent); err != nil {
			return "", err
		}
	default:
		return "", &BackendError{Backend: q.Name(), Op: "add", Err: fmt.Errorf("request has neither magnet nor file content")}
	}

	if err := w.Close(); err != nil {
		return "", err
	}

	body, err := q.do(ctx, http.MethodPost, "/api/v2/torrents/add", w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	defer body.Close()

	b, _ := io.ReadAll(io.LimitReader(body, 4096))
	if strings.TrimSpace(string(b)) == "Fails." {
		return "", &BackendError{Backend: q.Name(), Op: "add", Err: fmt.Errorf("daemon rejected the torrent")}
	}

	if hash != "" {
		return hash, nil
	}

	// File adds: find the newest torrent in our category to learn its hash.
	return q.newestHash(ctx, category)
}

type qbtTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	SavePath string  `json:"save_path"`
	AddedOn  int64   `json:"added_on"`
}

func (q *QBittorrent) listTorrents(ctx context.Context, query string) ([]qbtTorrent, error) {
	body, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/info"+query, "", nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var torrents []qbtTorrent
	if err := json.NewDecoder(body).Decode(&torrents); err != nil {
		return nil, &BackendError{Backend: q.Name(), Op: "torrents/info", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return torrents, nil
}

func (q *QBittorrent) newestHash(ctx context.Context, category string) (string, error) {
	query := ""
	if category != "" {
		query = "?category=" + url.QueryEscape(category)
	}

	torrents, err := q.listTorrents(ctx, query)
	if err != nil {
		return "", err
	}

	if len(torrents) == 0 {
		return "", &BackendError{Backend: q.Name(), Op: "add", Err: fmt.Errorf("torrent accepted but not listed")}
	}

	newest := torrents[0]
	for _, t := range torrents[1:] {
		if t.AddedOn > newest.AddedOn {
			newest = t
		}
	}

	return strings.ToLower(newest.Hash), nil
}

func (q *QBittorrent) GetStatus(ctx context.Context, id string) (*Download, error) {
	torrents, err := q.listTorrents(ctx, "?hashes="+url.QueryEscape(strings.ToLower(id)))
	if err != nil {
		return nil, err
	}

	if len(torrents) == 0 {
		return nil, &NotFoundError{Backend: q.Name(), ID: id}
	}

	t := torrents[0]

	dl := &Download{
		ID:       strings.ToLower(t.Hash),
		Name:     t.Name,
		Hash:     strings.ToLower(t.Hash),
		SavePath: t.SavePath,
		Progress: t.Progress * 100,
		State:    qbtState(t.State),
	}

	if dl.State == StateError {
		dl.Message = "daemon reports state " + t.State
	}

	files, err := q.torrentFiles(ctx, dl.Hash)
	if err != nil {
		return nil, err
	}

	dl.Files = files

	return dl, nil
}

func (q *QBittorrent) torrentFiles(ctx context.Context, hash string) ([]File, error) {
	body, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/files?hash="+url.QueryEscape(hash), "", nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var entries []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}

	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		return nil, &BackendError{Backend: q.Name(), Op: "torrents/files", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		files = append(files, File{Path: e.Name, Size: e.Size})
	}

	return files, nil
}

func qbtState(state string) State {
	switch state {
	case "error", "missingFiles":
		return StateError
	case "uploading", "stalledUP", "queuedUP", "forcedUP", "checkingUP":
		return StateSeeding
	case "pausedUP", "stoppedUP":
		return StateComplete
	case "downloading", "stalledDL", "metaDL", "forcedDL":
		return StateDownloading
	default:
		return StateQueued
	}
}

func (q *QBittorrent) GetDownloadPath(ctx context.Context, id string) (string, error) {
	dl, err := q.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}

	return dl.SavePath, nil
}

func (q *QBittorrent) FindExisting(ctx context.Context, hash string) (*Download, error) {
	torrents, err := q.listTorrents(ctx, "?hashes="+url.QueryEscape(strings.ToLower(hash)))
	if err != nil {
		return nil, err
	}

	if len(torrents) == 0 {
		return nil, nil
	}

	return q.GetStatus(ctx, hash)
}

func (q *QBittorrent) Remove(ctx context.Context, id string, deleteData bool) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(id))
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteData))

	body, err := q.do(ctx, http.MethodPost, "/api/v2/torrents/delete", "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return err
	}
	body.Close()

	return nil
}
