// Package rest exposes the inbound HTTP API: task submission, cancellation,
// status listing, and the finished-task history.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mpetrun5/bookgrab/internal/irc"
	"github.com/mpetrun5/bookgrab/internal/logctx"
	"github.com/mpetrun5/bookgrab/internal/search"
	"github.com/mpetrun5/bookgrab/internal/storage"
	"github.com/mpetrun5/bookgrab/internal/task"
	"github.com/mpetrun5/bookgrab/internal/telemetry"
)

// SubmitRequest is the task-submission payload.
type SubmitRequest struct {
	Source      string `json:"source"`
	Reference   string `json:"reference"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	ContentType string `json:"content_type"`
	Series      string `json:"series"`
	SeriesIndex string `json:"series_index"`
	Year        string `json:"year"`
	Priority    int    `json:"priority"`
	RequesterID string `json:"requester_id"`

	// Output routing overrides.
	DestinationDir string `json:"destination_dir,omitempty"`
	Template       string `json:"template,omitempty"`
}

// SubmitResponse carries the id assigned to an accepted task.
type SubmitResponse struct {
	ID string `json:"id"`
}

// RepairPathRequest remaps a finished task's recorded download path after a
// remote-path mapping change.
type RepairPathRequest struct {
	Path string `json:"path"`
}

// TaskSummary is the requester-facing view of one task.
type TaskSummary struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	ContentType   string    `json:"content_type"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// HistoryEntry is one finished task from the persistent history.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	ContentType string    `json:"content_type"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// SearchProvider answers free-text queries against the search network.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]irc.ResultLine, error)
}

// TaskHandler serves the task API on top of the in-memory queue.
type TaskHandler struct {
	username  string
	password  string
	queue     *task.Queue
	wake      chan<- struct{}
	history   storage.HistoryReadRepository
	searcher  SearchProvider
	telemetry *telemetry.Telemetry
}

func NewTaskHandler(
	username, password string,
	queue *task.Queue,
	wake chan<- struct{},
	history storage.HistoryReadRepository,
	searcher SearchProvider,
	t *telemetry.Telemetry,
) *TaskHandler {
	return &TaskHandler{
		username:  username,
		password:  password,
		queue:     queue,
		wake:      wake,
		history:   history,
		searcher:  searcher,
		telemetry: t,
	}
}

func (h *TaskHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPMiddleware(h.telemetry))

	r.Get("/healthz", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", h.telemetry.PrometheusHandler())

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Post("/api/tasks", h.HandleSubmit)
		r.Delete("/api/tasks/{id}", h.HandleCancel)
		r.Get("/api/tasks", h.HandleList)
		r.Get("/api/tasks/{id}", h.HandleGet)
		r.Patch("/api/tasks/{id}/path", h.HandleRepairPath)
		r.Get("/api/history", h.HandleHistory)
		r.Get("/api/search", h.HandleSearch)
	})

	return r
}

func (h *TaskHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleSubmit accepts a new acquisition task and nudges the worker pool.
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	t, err := buildTask(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := h.queue.Enqueue(t); err != nil {
		logger.Error("failed to enqueue task", "err", err)
		http.Error(w, "failed to enqueue task", http.StatusInternalServerError)

		return
	}

	h.telemetry.RecordTaskSubmitted(string(t.Source))

	// Non-blocking: an already-pending wake is enough.
	select {
	case h.wake <- struct{}{}:
	default:
	}

	logger.Info("task accepted", "task_id", t.ID, "source", t.Source, "title", t.Title)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	if err := json.NewEncoder(w).Encode(SubmitResponse{ID: t.ID}); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleCancel raises the cooperative cancellation flag. The in-flight worker
// notices at its next checkpoint; the call returns immediately.
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.queue.Cancel(id); err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			http.Error(w, "unknown task", http.StatusNotFound)

			return
		}

		logger.Error("failed to cancel task", "task_id", id, "err", err)
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)

		return
	}

	logger.Info("task cancellation requested", "task_id", id)
	w.WriteHeader(http.StatusAccepted)
}

// HandleList returns the tasks visible to the requester, partitioned by
// status bucket.
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	buckets := h.queue.ListByRequester(r.URL.Query().Get("requester"))

	out := make(map[string][]TaskSummary, len(buckets))
	for status, tasks := range buckets {
		summaries := make([]TaskSummary, 0, len(tasks))
		for i := range tasks {
			summaries = append(summaries, summarize(&tasks[i]))
		}

		out[string(status)] = summaries
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	t, ok := h.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(summarize(&t)); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleRepairPath rewrites the recorded download path of a finished task,
// typically after the remote-path mappings changed underneath it.
func (h *TaskHandler) HandleRepairPath(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req RepairPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)

		return
	}

	if err := h.queue.RepairPath(id, req.Path); err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			http.Error(w, "unknown task", http.StatusNotFound)

			return
		}

		http.Error(w, err.Error(), http.StatusConflict)

		return
	}

	logger.Info("task path repaired", "task_id", id, "path", req.Path)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory serves the persistent record of finished tasks, newest first.
func (h *TaskHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		limit = n
	}

	records, err := h.history.GetHistory(r.Context(), limit)
	if err != nil {
		logger.Error("failed to load history", "err", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)

		return
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, HistoryEntry{
			ID:          rec.TaskID,
			Title:       rec.Title,
			Author:      rec.Author,
			ContentType: rec.ContentType,
			Source:      rec.Source,
			Status:      rec.Status,
			Message:     rec.Message,
			FinishedAt:  rec.FinishedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(entries); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleSearch runs a live (or cached) search against the IRC network.
func (h *TaskHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.searcher == nil {
		http.Error(w, "search is not configured", http.StatusServiceUnavailable)

		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)

		return
	}

	results, err := h.searcher.Search(r.Context(), query)
	if err != nil {
		var unavailable *search.UnavailableError
		if errors.As(err, &unavailable) {
			http.Error(w, unavailable.Error(), http.StatusBadGateway)

			return
		}

		logger.Error("search failed", "query", query, "err", err)
		http.Error(w, "search failed", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(results); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

func (h *TaskHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

var validSources = map[task.Source]bool{
	task.SourceIRC:     true,
	task.SourceTorrent: true,
	task.SourceUsenet:  true,
	task.SourceDirect:  true,
}

func buildTask(req *SubmitRequest) (*task.Task, error) {
	source := task.Source(req.Source)
	if !validSources[source] {
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}

	if req.Reference == "" {
		return nil, errors.New("reference is required")
	}

	if req.Title == "" {
		return nil, errors.New("title is required")
	}

	contentType := task.ContentType(req.ContentType)
	switch contentType {
	case "":
		contentType = task.ContentEbook
	case task.ContentEbook, task.ContentAudiobook:
	default:
		return nil, fmt.Errorf("unknown content type %q", req.ContentType)
	}

	return &task.Task{
		ID:             uuid.NewString(),
		Source:         source,
		Reference:      req.Reference,
		Title:          req.Title,
		Author:         req.Author,
		ContentType:    contentType,
		Series:         req.Series,
		SeriesIndex:    req.SeriesIndex,
		Year:           req.Year,
		Priority:       req.Priority,
		RequesterID:    req.RequesterID,
		DestinationDir: req.DestinationDir,
		Template:       req.Template,
	}, nil
}

func summarize(t *task.Task) TaskSummary {
	return TaskSummary{
		ID:            t.ID,
		Source:        string(t.Source),
		Title:         t.Title,
		Author:        t.Author,
		ContentType:   string(t.ContentType),
		Status:        string(t.Status),
		StatusMessage: t.StatusMessage,
		SubmittedAt:   t.SubmittedAt,
		FinishedAt:    t.FinishedAt,
	}
}
