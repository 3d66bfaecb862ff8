// Package orchestrator coordinates acquisitions end to end: it claims tasks
// from the queue, drives the protocol client for the task's source, stages
// the payload, and commits it into the library.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpetrun5/bookgrab/internal/dlclient"
	"github.com/mpetrun5/bookgrab/internal/irc"
	"github.com/mpetrun5/bookgrab/internal/logctx"
	"github.com/mpetrun5/bookgrab/internal/notifier"
	"github.com/mpetrun5/bookgrab/internal/storage"
	"github.com/mpetrun5/bookgrab/internal/task"
	"github.com/mpetrun5/bookgrab/internal/telemetry"
	"github.com/mpetrun5/bookgrab/internal/torrentmeta"
)

// errCancelled aborts a pipeline stage when the task's cooperative flag is
// set. It is policy, not an error: the task ends cancelled, not failed.
var errCancelled = errors.New("task cancelled")

// Config tunes the pipeline.
type Config struct {
	StagingDir string
	LibraryDir string

	Workers      int
	PollInterval time.Duration

	// Per-content-type naming templates and format allowlists.
	EbookTemplate     string
	AudiobookTemplate string
	EbookFormats      []string
	AudiobookFormats  []string

	// PreserveTorrents keeps torrent payloads in place for seeding.
	PreserveTorrents bool

	// DisableHardlinks forces preserved payloads to be copied into the
	// library instead of hardlinked. Needed when the library lives on a
	// filesystem where links confuse downstream tooling.
	DisableHardlinks bool

	BackendPollInterval time.Duration
	BackendTimeout      time.Duration

	PostScript        string
	PostScriptTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}

	if cfg.EbookTemplate == "" {
		cfg.EbookTemplate = "{Author}/{Title}{ (Year)}"
	}

	if cfg.AudiobookTemplate == "" {
		cfg.AudiobookTemplate = "{Author}/{Series/}{Title}{ - PartNumber}"
	}

	if len(cfg.EbookFormats) == 0 {
		cfg.EbookFormats = []string{"epub", "mobi", "azw3", "pdf"}
	}

	if len(cfg.AudiobookFormats) == 0 {
		cfg.AudiobookFormats = []string{"mp3", "m4a", "m4b", "flac"}
	}

	if cfg.BackendPollInterval == 0 {
		cfg.BackendPollInterval = 10 * time.Second
	}

	if cfg.BackendTimeout == 0 {
		cfg.BackendTimeout = 2 * time.Hour
	}

	if cfg.PostScriptTimeout == 0 {
		cfg.PostScriptTimeout = 5 * time.Minute
	}

	return cfg
}

// IRCSession is the slice of the IRC client the pipeline drives once a
// connection is registered and joined.
type IRCSession interface {
	RequestBook(ctx context.Context, line string) error
	AwaitSearchOutcome(ctx context.Context) (irc.Outcome, error)
	Close() error
}

// IRCConnector opens a ready-to-use session (dialed, registered, joined).
type IRCConnector func(ctx context.Context) (IRCSession, error)

type Orchestrator struct {
	cfg      Config
	queue    *task.Queue
	registry *dlclient.Registry
	mapper   *dlclient.PathMapper
	resolver *torrentmeta.Resolver

	ircConnect IRCConnector
	httpClient *http.Client

	notify  notifier.Notifier
	history storage.HistoryWriteRepository
	tel     *telemetry.Telemetry

	// dccReceive is swappable for tests; irc.Receive in production.
	dccReceive func(ctx context.Context, offer *irc.DCCOffer, destPath string, cancelled func() bool, progress func(int)) (bool, error)

	// Wake nudges an idle claim loop after an enqueue.
	Wake chan struct{}
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

func WithIRC(connect IRCConnector) Option {
	return func(o *Orchestrator) { o.ircConnect = connect }
}

func WithNotifier(n notifier.Notifier) Option {
	return func(o *Orchestrator) { o.notify = n }
}

func WithHistory(h storage.HistoryWriteRepository) Option {
	return func(o *Orchestrator) { o.history = h }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = t }
}

func New(cfg Config, queue *task.Queue, registry *dlclient.Registry, mapper *dlclient.PathMapper, resolver *torrentmeta.Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		queue:      queue,
		registry:   registry,
		mapper:     mapper,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		dccReceive: irc.Receive,
		tel:        &telemetry.Telemetry{},
		Wake:       make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run claims and processes tasks until the context is cancelled. At most
// cfg.Workers tasks are in flight; each task is owned by exactly one
// goroutine for its whole lifetime.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("orchestrator started", "workers", o.cfg.Workers)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for {
		if ctx.Err() != nil {
			break
		}

		t := o.queue.Claim()
		if t == nil {
			select {
			case <-ctx.Done():
			case <-o.Wake:
			case <-time.After(o.cfg.PollInterval):
			}

			continue
		}

		g.Go(func() error {
			o.process(ctx, t)

			return nil
		})
	}

	err := g.Wait()
	logger.Info("orchestrator stopped")

	return err
}

// process runs the whole pipeline for one task. Every exit path ends in a
// terminal status write; nothing escapes to the pool.
func (o *Orchestrator) process(ctx context.Context, t *task.Task) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", t.ID, "source", string(t.Source), "title", t.Title)
	ctx = logctx.WithLogger(ctx, logger)

	start := time.Now()

	o.tel.TaskStarted()
	defer o.tel.TaskStopped()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in task pipeline", "panic", fmt.Sprintf("%v", r))
			o.finish(ctx, t, task.StatusError, fmt.Sprintf("internal error: %v", r), start)
		}
	}()

	logger.Info("processing task")

	p, err := o.stage(ctx, t)
	if p != nil && p.cleanupDir != "" {
		defer os.RemoveAll(p.cleanupDir)
	}

	if err != nil {
		o.finishErr(ctx, t, err, start)

		return
	}

	if t.Cancelled() {
		o.finishErr(ctx, t, errCancelled, start)

		return
	}

	committed, err := o.deliver(ctx, t, p)
	if err != nil {
		o.finishErr(ctx, t, err, start)

		return
	}

	msg := fmt.Sprintf("delivered %d file(s)", len(committed))
	if len(committed) == 1 {
		msg = "delivered " + filepath.Base(committed[0])
	}

	o.finish(ctx, t, task.StatusComplete, msg, start)
}

func (o *Orchestrator) finishErr(ctx context.Context, t *task.Task, err error, start time.Time) {
	if errors.Is(err, errCancelled) || (t.Cancelled() && errors.Is(err, context.Canceled)) {
		o.finish(ctx, t, task.StatusCancelled, "cancelled by user", start)

		return
	}

	o.finish(ctx, t, task.StatusError, err.Error(), start)
}

// finish writes the terminal status and fans out to history, notification,
// and metrics. Collaborator failures are logged, never propagated.
func (o *Orchestrator) finish(ctx context.Context, t *task.Task, status task.Status, message string, start time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	if err := o.queue.UpdateStatus(t.ID, status, message); err != nil {
		logger.Error("failed to write terminal status", "status", string(status), "err", err)
	}

	logger.Info("task finished", "status", string(status), "message", message, "duration", time.Since(start).Round(time.Millisecond).String())

	o.tel.RecordTaskFinished(string(t.Source), string(status), time.Since(start))

	if o.history != nil {
		rec := storage.HistoryRecord{
			TaskID:      t.ID,
			Title:       t.Title,
			Author:      t.Author,
			ContentType: string(t.ContentType),
			Source:      string(t.Source),
			Status:      string(status),
			Message:     message,
			FinishedAt:  time.Now(),
		}

		if err := o.history.RecordFinished(ctx, rec); err != nil {
			logger.Error("failed to record task history", "err", err)
		}
	}

	if o.notify != nil {
		ev := notifier.Event{
			Kind:   notificationKind(status),
			Title:  t.Title,
			Author: t.Author,
		}

		if status != task.StatusComplete {
			ev.Note = message
		}

		if err := o.notify.Notify(ctx, ev); err != nil {
			logger.Warn("failed to deliver notification", "err", err)
		}
	}
}

func notificationKind(status task.Status) string {
	switch status {
	case task.StatusComplete:
		return "completed"
	case task.StatusCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// checkCancelled is polled between pipeline stages.
func checkCancelled(t *task.Task) error {
	if t.Cancelled() {
		return errCancelled
	}

	return nil
}

func (o *Orchestrator) setStatus(t *task.Task, status task.Status, message string) error {
	if err := checkCancelled(t); err != nil {
		return err
	}

	return o.queue.UpdateStatus(t.ID, status, message)
}

func (o *Orchestrator) taskStagingDir(t *task.Task) string {
	return filepath.Join(o.cfg.StagingDir, t.ID)
}
