package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/mpetrun5/bookgrab/internal/cachefile"
	"github.com/mpetrun5/bookgrab/internal/cleanup"
	"github.com/mpetrun5/bookgrab/internal/config"
	"github.com/mpetrun5/bookgrab/internal/dlclient"
	"github.com/mpetrun5/bookgrab/internal/http/rest"
	"github.com/mpetrun5/bookgrab/internal/irc"
	"github.com/mpetrun5/bookgrab/internal/logctx"
	"github.com/mpetrun5/bookgrab/internal/notifier"
	"github.com/mpetrun5/bookgrab/internal/orchestrator"
	"github.com/mpetrun5/bookgrab/internal/search"
	"github.com/mpetrun5/bookgrab/internal/storage/sqlite"
	"github.com/mpetrun5/bookgrab/internal/svc/indexer"
	"github.com/mpetrun5/bookgrab/internal/task"
	"github.com/mpetrun5/bookgrab/internal/telemetry"
	"github.com/mpetrun5/bookgrab/internal/torrentmeta"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("bookgrab starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewHistoryRepository(database)

	// =========================================================================
	// Start Download Backends
	registry := dlclient.NewRegistry(
		dlclient.NewDeluge(dlclient.DelugeConfig{
			BaseURL:  cfg.Deluge.BaseURL,
			Password: cfg.Deluge.Password,
			Category: cfg.Deluge.Category,
			Insecure: cfg.Deluge.Insecure,
		}),
		dlclient.NewTransmission(dlclient.TransmissionConfig{
			BaseURL:  cfg.Transmission.BaseURL,
			Username: cfg.Transmission.Username,
			Password: cfg.Transmission.Password,
			Category: cfg.Transmission.Category,
		}),
		dlclient.NewQBittorrent(dlclient.QBittorrentConfig{
			BaseURL:  cfg.QBittorrent.BaseURL,
			Username: cfg.QBittorrent.Username,
			Password: cfg.QBittorrent.Password,
			Category: cfg.QBittorrent.Category,
		}),
		dlclient.NewSabnzbd(dlclient.SabnzbdConfig{
			BaseURL:  cfg.Sabnzbd.BaseURL,
			APIKey:   cfg.Sabnzbd.APIKey,
			Category: cfg.Sabnzbd.Category,
		}),
		dlclient.NewPutio(dlclient.PutioConfig{
			Token:  cfg.Putio.Token,
			Folder: cfg.Putio.Folder,
		}),
	)

	for _, c := range registry.Configured() {
		logger.Info("download backend configured", "backend", c.Name(), "protocol", c.Protocol())
	}

	mapper := dlclient.NewPathMapper(cfg.RemotePathMappings)

	var reResolve torrentmeta.ReResolveFunc
	if cfg.Indexer.BaseURL != "" {
		reResolve = indexer.NewClient(cfg.Indexer.APIKey, cfg.Indexer.BaseURL).ResolveOriginalURL
	}

	resolver := torrentmeta.NewResolver(reResolve)

	// =========================================================================
	// Start Task Pipeline
	queue := task.NewQueue()

	opts := []orchestrator.Option{
		orchestrator.WithHistory(history),
		orchestrator.WithTelemetry(tel),
	}

	if cfg.WebhookURL != "" {
		opts = append(opts, orchestrator.WithNotifier(notifier.NewWebhookNotifier(cfg.WebhookURL)))
	}

	var searcher *search.Searcher

	if cfg.IRC.Server != "" {
		ircCfg := irc.Config{
			Server:           cfg.IRC.Server,
			UseTLS:           cfg.IRC.UseTLS,
			Nick:             cfg.IRC.Nick,
			Channel:          cfg.IRC.Channel,
			SearchCommand:    cfg.IRC.SearchCommand,
			HandshakeTimeout: cfg.IRC.HandshakeTimeout,
		}

		opts = append(opts, orchestrator.WithIRC(func(ctx context.Context) (orchestrator.IRCSession, error) {
			return connectIRC(ctx, ircCfg)
		}))

		searcher, err = setupSearcher(cfg, ircCfg, tel)
		if err != nil {
			return fmt.Errorf("failed to setup search: %w", err)
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		StagingDir:          cfg.StagingDir,
		LibraryDir:          cfg.LibraryDir,
		Workers:             cfg.Workers,
		PollInterval:        cfg.PollInterval,
		EbookTemplate:       cfg.EbookTemplate,
		AudiobookTemplate:   cfg.AudiobookTemplate,
		EbookFormats:        cfg.EbookFormats,
		AudiobookFormats:    cfg.AudiobookFormats,
		PreserveTorrents:    cfg.PreserveTorrents,
		DisableHardlinks:    cfg.DisableHardlinks,
		BackendPollInterval: cfg.BackendPollInterval,
		BackendTimeout:      cfg.BackendTimeout,
		PostScript:          cfg.PostScript,
		PostScriptTimeout:   cfg.PostScriptTimeout,
	}, queue, registry, mapper, resolver, opts...)

	orchErrors := make(chan error, 1)

	go func() {
		orchErrors <- orch.Run(ctx)
	}()

	// =========================================================================
	// Start Retention Sweeps
	startSweeps(ctx, cfg, queue, history)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, queue, orch.Wake, history, searcher, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for tasks...",
		"staging_dir", cfg.StagingDir,
		"library_dir", cfg.LibraryDir,
		"workers", cfg.Workers,
		"task_retention", cfg.TaskRetention.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-orchErrors:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("orchestrator error: %w", err)
		}

		return nil
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Let in-flight workers reach their next checkpoint.
		<-orchErrors

		return nil
	}
}

// connectIRC opens a ready session: dialed, registered, joined.
func connectIRC(ctx context.Context, cfg irc.Config) (*irc.Client, error) {
	client, err := irc.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := client.Register(ctx); err != nil {
		client.Close()

		return nil, err
	}

	if err := client.Join(ctx); err != nil {
		client.Close()

		return nil, err
	}

	return client, nil
}

func setupSearcher(cfg *config.Config, ircCfg irc.Config, tel *telemetry.Telemetry) (*search.Searcher, error) {
	limiter := irc.NewSearchLimiter(cfg.IRC.SearchInterval)

	opts := []search.Option{search.WithTelemetry(tel)}

	if cfg.SearchCacheDir != "" {
		cache, err := cachefile.Open(filepath.Join(cfg.SearchCacheDir, "search_results.json"), cfg.SearchCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open search cache: %w", err)
		}

		opts = append(opts, search.WithCache(irc.NewResultsCache(cache)))
	}

	connect := func(ctx context.Context) (search.Session, error) {
		return connectIRC(ctx, ircCfg)
	}

	return search.NewSearcher(connect, limiter, opts...), nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	queue *task.Queue,
	wake chan<- struct{},
	history *sqlite.HistoryRepository,
	searcher *search.Searcher,
	tel *telemetry.Telemetry,
) *http.Server {
	var provider rest.SearchProvider
	if searcher != nil {
		provider = searcher
	}

	handler := rest.NewTaskHandler(cfg.Web.Username, cfg.Web.Password, queue, wake, history, provider, tel)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func startSweeps(ctx context.Context, cfg *config.Config, queue *task.Queue, history *sqlite.HistoryRepository) {
	logger := logctx.LoggerFromContext(ctx)

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if _, err := s.Every(cfg.RetentionInterval).Do(func() {
		if n := queue.EvictFinished(cfg.TaskRetention); n > 0 {
			logger.Info("evicted finished tasks", "count", n)
		}

		n, err := history.DeleteOlderThan(ctx, time.Now().Add(-cfg.HistoryRetention))
		if err != nil {
			logger.Error("failed to prune history", "err", err)

			return
		}

		if n > 0 {
			logger.Info("pruned history records", "count", n)
		}

		if _, err := cleanup.SweepStaging(ctx, cfg.StagingDir, cfg.TaskRetention); err != nil {
			logger.Error("failed to sweep staging area", "err", err)
		}
	}); err != nil {
		logger.Error("failed to schedule retention sweep", "err", err)

		return
	}

	s.StartAsync()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}
