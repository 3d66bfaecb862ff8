// Package config loads all runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mpetrun5/bookgrab/internal/dlclient"
)

// PathMappings decodes remote path mappings from a single variable, e.g.
// "/downloads=/mnt/seedbox;C:\done=/mnt/sab". Pairs are separated by
// semicolons so Windows drive letters survive.
type PathMappings []dlclient.Mapping

func (m *PathMappings) Decode(value string) error {
	if value == "" {
		return nil
	}

	for _, pair := range strings.Split(value, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		remote, local, ok := strings.Cut(pair, "=")
		if !ok || remote == "" || local == "" {
			return fmt.Errorf("invalid path mapping %q, want remote=local", pair)
		}

		*m = append(*m, dlclient.Mapping{Remote: remote, Local: local})
	}

	return nil
}

// Config struct for environment variables.
type Config struct {
	StagingDir string `envconfig:"STAGING_DIR" required:"true"`
	LibraryDir string `envconfig:"LIBRARY_DIR" required:"true"`

	Workers           int           `envconfig:"WORKERS" default:"3"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	TaskRetention     time.Duration `envconfig:"TASK_RETENTION" default:"72h"`
	HistoryRetention  time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath     string `envconfig:"DB_PATH" default:"bookgrab.db"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	EbookTemplate     string   `envconfig:"EBOOK_TEMPLATE"`
	AudiobookTemplate string   `envconfig:"AUDIOBOOK_TEMPLATE"`
	EbookFormats      []string `envconfig:"EBOOK_FORMATS"`
	AudiobookFormats  []string `envconfig:"AUDIOBOOK_FORMATS"`

	PreserveTorrents    bool          `envconfig:"PRESERVE_TORRENTS" default:"true"`
	DisableHardlinks    bool          `envconfig:"DISABLE_HARDLINKS" default:"false"`
	BackendPollInterval time.Duration `envconfig:"BACKEND_POLL_INTERVAL" default:"10s"`
	BackendTimeout      time.Duration `envconfig:"BACKEND_TIMEOUT" default:"2h"`
	RemotePathMappings  PathMappings  `envconfig:"REMOTE_PATH_MAPPINGS"`

	PostScript        string        `envconfig:"POST_SCRIPT"`
	PostScriptTimeout time.Duration `envconfig:"POST_SCRIPT_TIMEOUT" default:"1m"`

	SearchCacheDir string        `envconfig:"SEARCH_CACHE_DIR"`
	SearchCacheTTL time.Duration `envconfig:"SEARCH_CACHE_TTL" default:"24h"`

	IRC struct {
		Server           string        `split_words:"true"`
		UseTLS           bool          `envconfig:"USE_TLS" default:"true"`
		Nick             string        `split_words:"true"`
		Channel          string        `split_words:"true" default:"#ebooks"`
		SearchCommand    string        `split_words:"true" default:"@search"`
		SearchInterval   time.Duration `split_words:"true" default:"15s"`
		HandshakeTimeout time.Duration `split_words:"true" default:"1m"`
	}

	Deluge struct {
		BaseURL  string `envconfig:"BASE_URL"`
		Password string `split_words:"true"`
		Category string `split_words:"true" default:"bookgrab"`
		Insecure bool   `split_words:"true"`
	}

	Transmission struct {
		BaseURL  string `envconfig:"BASE_URL"`
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		Category string `split_words:"true" default:"bookgrab"`
	}

	QBittorrent struct {
		BaseURL  string `envconfig:"BASE_URL"`
		Username string `split_words:"true"`
		Password string `split_words:"true"`
		Category string `split_words:"true" default:"bookgrab"`
	}

	Sabnzbd struct {
		BaseURL  string `envconfig:"BASE_URL"`
		APIKey   string `envconfig:"API_KEY"`
		Category string `split_words:"true" default:"bookgrab"`
	}

	Indexer struct {
		BaseURL string `envconfig:"BASE_URL"`
		APIKey  string `envconfig:"API_KEY"`
	}

	Putio struct {
		Token  string `split_words:"true"`
		Folder string `split_words:"true" default:"bookgrab"`
	}

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"bookgrab"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8484"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
