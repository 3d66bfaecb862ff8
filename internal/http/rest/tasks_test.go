package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mpetrun5/bookgrab/internal/irc"
	"github.com/mpetrun5/bookgrab/internal/search"
	"github.com/mpetrun5/bookgrab/internal/storage"
	"github.com/mpetrun5/bookgrab/internal/task"
	"github.com/mpetrun5/bookgrab/internal/telemetry"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	records []storage.HistoryRecord
	err     error
	limit   int
}

func (f *fakeHistory) GetHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	f.limit = limit

	if f.err != nil {
		return nil, f.err
	}

	if limit < len(f.records) {
		return f.records[:limit], nil
	}

	return f.records, nil
}

func newTestHandler(t *testing.T) (*TaskHandler, *task.Queue, chan struct{}, *fakeHistory) {
	t.Helper()

	queue := task.NewQueue()
	wake := make(chan struct{}, 1)
	history := &fakeHistory{}

	h := NewTaskHandler("admin", "secret", queue, wake, history, nil, &telemetry.Telemetry{})

	return h, queue, wake, history
}

type fakeSearcher struct {
	results []irc.ResultLine
	err     error
	query   string
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]irc.ResultLine, error) {
	f.query = query

	return f.results, f.err
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.SetBasicAuth("admin", "secret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func TestSubmit_EnqueuesAndWakes(t *testing.T) {
	h, queue, wake, _ := newTestHandler(t)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/api/tasks", SubmitRequest{
		Source:      "direct",
		Reference:   "https://example.com/dune.epub",
		Title:       "Dune",
		Author:      "Frank Herbert",
		ContentType: "ebook",
		RequesterID: "alice",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.ID)

	got, ok := queue.Get(resp.ID)
	require.True(t, ok)
	require.Equal(t, task.StatusQueued, got.Status)
	require.Equal(t, "Dune", got.Title)
	require.Equal(t, task.SourceDirect, got.Source)

	select {
	case <-wake:
	default:
		t.Fatal("expected a wake signal after submission")
	}
}

func TestSubmit_DefaultsContentTypeToEbook(t *testing.T) {
	h, queue, _, _ := newTestHandler(t)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/api/tasks", SubmitRequest{
		Source:    "irc",
		Reference: "!Oatmeal Frank Herbert - Dune.epub",
		Title:     "Dune",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	got, ok := queue.Get(resp.ID)
	require.True(t, ok)
	require.Equal(t, task.ContentEbook, got.ContentType)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{
			name: "unknown source",
			req:  SubmitRequest{Source: "carrier-pigeon", Reference: "x", Title: "Dune"},
		},
		{
			name: "missing reference",
			req:  SubmitRequest{Source: "direct", Title: "Dune"},
		},
		{
			name: "missing title",
			req:  SubmitRequest{Source: "direct", Reference: "x"},
		},
		{
			name: "unknown content type",
			req:  SubmitRequest{Source: "direct", Reference: "x", Title: "Dune", ContentType: "vinyl"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, _ := newTestHandler(t)

			rec := doJSON(t, h.Routes(), http.MethodPost, "/api/tasks", tt.req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCancel(t *testing.T) {
	h, queue, _, _ := newTestHandler(t)

	require.NoError(t, queue.Enqueue(&task.Task{ID: "t1", Source: task.SourceDirect, Title: "Dune"}))

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/api/tasks/t1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, ok := queue.Get("t1")
	require.True(t, ok)
	require.Equal(t, task.StatusCancelled, got.Status)

	rec = doJSON(t, h.Routes(), http.MethodDelete, "/api/tasks/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepairPath(t *testing.T) {
	h, queue, _, _ := newTestHandler(t)

	require.NoError(t, queue.Enqueue(&task.Task{ID: "done", Source: task.SourceTorrent, Title: "Dune"}))
	require.NoError(t, queue.UpdateStatus("done", task.StatusComplete, ""))
	require.NoError(t, queue.Enqueue(&task.Task{ID: "busy", Source: task.SourceTorrent, Title: "Emma"}))

	rec := doJSON(t, h.Routes(), http.MethodPatch, "/api/tasks/done/path", RepairPathRequest{Path: "/mnt/new/dune"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, ok := queue.Get("done")
	require.True(t, ok)
	require.Equal(t, "/mnt/new/dune", got.OriginalPath)

	// Only terminal tasks can be repaired.
	rec = doJSON(t, h.Routes(), http.MethodPatch, "/api/tasks/busy/path", RepairPathRequest{Path: "/mnt/new/emma"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h.Routes(), http.MethodPatch, "/api/tasks/nope/path", RepairPathRequest{Path: "/mnt/x"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h.Routes(), http.MethodPatch, "/api/tasks/done/path", RepairPathRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_ScopedToRequester(t *testing.T) {
	h, queue, _, _ := newTestHandler(t)

	require.NoError(t, queue.Enqueue(&task.Task{ID: "mine", Source: task.SourceDirect, Title: "Dune", RequesterID: "alice"}))
	require.NoError(t, queue.Enqueue(&task.Task{ID: "theirs", Source: task.SourceDirect, Title: "Emma", RequesterID: "bob"}))
	require.NoError(t, queue.Enqueue(&task.Task{ID: "shared", Source: task.SourceTorrent, Title: "Hamlet"}))
	require.NoError(t, queue.UpdateStatus("shared", task.StatusResolving, ""))

	rec := doJSON(t, h.Routes(), http.MethodGet, "/api/tasks?requester=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var buckets map[string][]TaskSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&buckets))

	require.Len(t, buckets["queued"], 1)
	require.Equal(t, "mine", buckets["queued"][0].ID)
	require.Len(t, buckets["resolving"], 1)
	require.Equal(t, "shared", buckets["resolving"][0].ID)
}

func TestGetTask(t *testing.T) {
	h, queue, _, _ := newTestHandler(t)

	require.NoError(t, queue.Enqueue(&task.Task{ID: "t1", Source: task.SourceUsenet, Title: "Dune"}))

	rec := doJSON(t, h.Routes(), http.MethodGet, "/api/tasks/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got TaskSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "t1", got.ID)
	require.Equal(t, "usenet", got.Source)

	rec = doJSON(t, h.Routes(), http.MethodGet, "/api/tasks/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	h, _, _, history := newTestHandler(t)

	history.records = []storage.HistoryRecord{
		{
			TaskID:     "t1",
			Title:      "Dune",
			Author:     "Frank Herbert",
			Source:     "direct",
			Status:     "complete",
			FinishedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	rec := doJSON(t, h.Routes(), http.MethodGet, "/api/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, history.limit)

	var entries []HistoryEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	require.Equal(t, "Dune", entries[0].Title)

	rec = doJSON(t, h.Routes(), http.MethodGet, "/api/history?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	// Without a configured searcher the endpoint reports unavailability.
	rec := doJSON(t, h.Routes(), http.MethodGet, "/api/search?q=dune", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	searcher := &fakeSearcher{results: []irc.ResultLine{{Server: "Oatmeal", File: "Dune.epub", Line: "!Oatmeal Dune.epub"}}}
	h.searcher = searcher

	rec = doJSON(t, h.Routes(), http.MethodGet, "/api/search?q=frank+herbert+dune", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "frank herbert dune", searcher.query)

	var results []irc.ResultLine
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results, 1)

	rec = doJSON(t, h.Routes(), http.MethodGet, "/api/search", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	h.searcher = &fakeSearcher{err: &search.UnavailableError{Reason: "server busy"}}
	rec = doJSON(t, h.Routes(), http.MethodGet, "/api/search?q=dune", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	routes := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
