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
	"path/filepath"
	"time"
)

// SabnzbdConfig holds the settings for a SABnzbd endpoint.
type SabnzbdConfig struct {
	BaseURL  string
	APIKey   string
	Category string
}

// Sabnzbd talks to the SABnzbd JSON API. All calls go through the single
// /api endpoint selected by the mode parameter.
type Sabnzbd struct {
	cfg        SabnzbdConfig
	httpClient *http.Client
}

func NewSabnzbd(cfg SabnzbdConfig) *Sabnzbd {
	return &Sabnzbd{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Sabnzbd) Name() string       { return "sabnzbd" }
func (s *Sabnzbd) Protocol() Protocol { return ProtocolUsenet }

func (s *Sabnzbd) IsConfigured() bool {
	return s.cfg.BaseURL != "" && s.cfg.APIKey != ""
}

func (s *Sabnzbd) TestConnection(ctx context.Context) error {
	var result struct {
		Version string `json:"version"`
	}

	return s.get(ctx, url.Values{"mode": {"version"}}, &result)
}

func (s *Sabnzbd) apiURL(params url.Values) string {
	params.Set("apikey", s.cfg.APIKey)
	params.Set("output", "json")

	return s.cfg.BaseURL + "/api?" + params.Encode()
}

func (s *Sabnzbd) get(ctx context.Context, params url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL(params), nil)
	if err != nil {
		return err
	}

	return s.roundTrip(req, params.Get("mode"), result)
}

func (s *Sabnzbd) roundTrip(req *http.Request, op string, result interface{}) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &BackendError{Backend: s.Name(), Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &BackendError{Backend: s.Name(), Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(b))}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &BackendError{Backend: s.Name(), Op: op, Err: err}
	}

	// Errors come back as 200 with an error field.
	var errResp struct {
		Error string `json:"error"`
	}

	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
		return &BackendError{Backend: s.Name(), Op: op, Err: fmt.Errorf("%s", errResp.Error)}
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return &BackendError{Backend: s.Name(), Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}

	return nil
}

type sabAddResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
}

func (s *Sabnzbd) AddDownload(ctx context.Context, req AddRequest) (string, error) {
	category := req.Category
	if category == "" {
		category = s.cfg.Category
	}

	var result sabAddResponse

	switch {
	case req.URL != "":
		params := url.Values{
			"mode": {"addurl"},
			"name": {req.URL},
		}
		if category != "" {
			params.Set("cat", category)
		}

		if err := s.get(ctx, params, &result); err != nil {
			return "", err
		}
	case len(req.FileContent) > 0:
		if err := s.addFile(ctx, req.FileContent, req.Filename, category, &result); err != nil {
			return "", err
		}
	default:
		return "", &BackendError{Backend: s.Name(), Op: "add", Err: fmt.Errorf("request has neither url nor file content")}
	}

	if !result.Status || len(result.NzoIDs) == 0 {
		return "", &BackendError{Backend: s.Name(), Op: "add", Err: fmt.Errorf("daemon rejected the nzb")}
	}

	return result.NzoIDs[0], nil
}

func (s *Sabnzbd) addFile(ctx context.Context, content []byte, filename, category string, result *sabAddResponse) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("name", filename)
	if err != nil {
		return err
	}

	if _, err := part.Write(content); err != nil {
		return err
	}

	if category != "" {
		w.WriteField("cat", category)
	}

	if err := w.Close(); err != nil {
		return err
	}

	params := url.Values{"mode": {"addfile"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL(params), &buf)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", w.FormDataContentType())

	return s.roundTrip(req, "addfile", result)
}

type sabQueueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Percentage string `json:"percentage"`
}

type sabHistorySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Storage     string `json:"storage"`
	Bytes       int64  `json:"bytes"`
	FailMessage string `json:"fail_message"`
}

func (s *Sabnzbd) GetStatus(ctx context.Context, id string) (*Download, error) {
	// Active jobs live in the queue; finished and failed ones move to
	// history. Check the queue first.
	var queue struct {
		Queue struct {
			Slots []sabQueueSlot `json:"slots"`
		} `json:"queue"`
	}

	params := url.Values{"mode": {"queue"}, "nzo_ids": {id}}
	if err := s.get(ctx, params, &queue); err != nil {
		return nil, err
	}

	for _, slot := range queue.Queue.Slots {
		if slot.NzoID != id {
			continue
		}

		dl := &Download{
			ID:   slot.NzoID,
			Name: slot.Filename,
		}

		fmt.Sscanf(slot.Percentage, "%f", &dl.Progress)

		switch slot.Status {
		case "Downloading", "Fetching":
			dl.State = StateDownloading
		default:
			dl.State = StateQueued
		}

		return dl, nil
	}

	return s.historyStatus(ctx, id)
}

func (s *Sabnzbd) historyStatus(ctx context.Context, id string) (*Download, error) {
	var history struct {
		History struct {
			Slots []sabHistorySlot `json:"slots"`
		} `json:"history"`
	}

	params := url.Values{"mode": {"history"}, "nzo_ids": {id}}
	if err := s.get(ctx, params, &history); err != nil {
		return nil, err
	}

	for _, slot := range history.History.Slots {
		if slot.NzoID != id {
			continue
		}

		dl := &Download{
			ID:       slot.NzoID,
			Name:     slot.Name,
			SavePath: slot.Storage,
		}

		switch slot.Status {
		case "Completed":
			dl.State = StateComplete
			dl.Progress = 100

			if slot.Storage != "" {
				dl.Files = []File{{Path: filepath.Base(slot.Storage), Size: slot.Bytes}}
			}
		case "Failed":
			dl.State = StateError
			dl.Message = slot.FailMessage
		default:
			// Verifying, Repairing, Extracting: bytes still being finalized.
			dl.State = StateDownloading
		}

		return dl, nil
	}

	return nil, &NotFoundError{Backend: s.Name(), ID: id}
}

func (s *Sabnzbd) GetDownloadPath(ctx context.Context, id string) (string, error) {
	dl, err := s.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}

	return dl.SavePath, nil
}

// FindExisting always misses: usenet jobs have no content hash to look
// up by.
func (s *Sabnzbd) FindExisting(_ context.Context, _ string) (*Download, error) {
	return nil, nil
}

func (s *Sabnzbd) Remove(ctx context.Context, id string, deleteData bool) error {
	delFiles := "0"
	if deleteData {
		delFiles = "1"
	}

	params := url.Values{
		"mode":      {"queue"},
		"name":      {"delete"},
		"value":     {id},
		"del_files": {delFiles},
	}

	var result struct {
		Status bool `json:"status"`
	}

	if err := s.get(ctx, params, &result); err != nil {
		return err
	}

	if result.Status {
		return nil
	}

	// Not in the queue: the job may already be history.
	params.Set("mode", "history")

	return s.get(ctx, params, nil)
}
