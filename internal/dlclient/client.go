// Package dlclient abstracts the external download daemons (torrent and
// usenet) the pipeline delegates transfers to. Adapters translate one
// daemon's API into the shared Client interface; the registry picks which
// adapter serves a given protocol.
package dlclient

import (
	"context"
	"fmt"
)

// Protocol is the transfer mechanism a backend speaks.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// State is the coarse lifecycle position of a transfer inside a backend.
// Every adapter maps its daemon's richer vocabulary onto these.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// Finished reports whether the payload bytes are fully on disk. Seeding
// counts: the data is complete even though the daemon keeps the transfer.
func (s State) Finished() bool {
	return s == StateComplete || s == StateSeeding
}

// File is one payload file inside a transfer, relative to the save path.
type File struct {
	Path string
	Size int64
}

// Download is a backend's view of one transfer.
type Download struct {
	ID       string
	Name     string
	Hash     string // info hash for torrents, empty for usenet
	SavePath string
	Progress float64 // 0..100
	State    State
	Message  string // daemon-reported detail, set when State is StateError
	Files    []File
}

// AddRequest carries the release payload to hand a backend. Exactly one of
// Magnet, FileContent, or URL is set.
type AddRequest struct {
	Magnet      string
	FileContent []byte // raw .torrent or .nzb bytes
	Filename    string // original name of FileContent
	URL         string // direct fetch link the daemon resolves itself
	Category    string
	DownloadDir string
}

// Client is one configured download backend. Implementations wrap a single
// daemon instance and are safe for concurrent use.
type Client interface {
	// Name identifies the backend in logs and status messages.
	Name() string

	Protocol() Protocol

	// IsConfigured reports whether enough settings are present to even try
	// talking to the daemon. No network traffic.
	IsConfigured() bool

	// TestConnection performs a cheap authenticated round trip.
	TestConnection(ctx context.Context) error

	// AddDownload submits a release and returns the backend's transfer ID.
	AddDownload(ctx context.Context, req AddRequest) (string, error)

	// GetStatus fetches the current state of a transfer.
	GetStatus(ctx context.Context, id string) (*Download, error)

	// GetDownloadPath returns the directory the finished payload lives in,
	// in the daemon's own filesystem view. Callers rewrite it through a
	// PathMapper before touching disk.
	GetDownloadPath(ctx context.Context, id string) (string, error)

	// FindExisting looks a transfer up by info hash, so a re-submitted
	// release attaches to the daemon's existing transfer instead of adding
	// a duplicate. Returns nil when the daemon has no such transfer.
	FindExisting(ctx context.Context, hash string) (*Download, error)

	// Remove drops the transfer, optionally deleting the payload data.
	Remove(ctx context.Context, id string, deleteData bool) error
}

// Fetcher is implemented by backends whose payload does not live on a
// filesystem this host can reach. The pipeline stages such payloads by
// fetching instead of copying.
type Fetcher interface {
	FetchTo(ctx context.Context, id string, destDir string) error
}

// NotFoundError reports a transfer ID the backend no longer knows. The
// daemon side may have been cleaned up manually.
type NotFoundError struct {
	Backend string
	ID      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transfer %q not found on %s", e.ID, e.Backend)
}

// BackendError wraps a daemon-reported failure with enough context to
// tell backends apart in logs and metrics.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
