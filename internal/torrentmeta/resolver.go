package torrentmeta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mpetrun5/bookgrab/internal/logctx"
)

const (
	maxRedirects   = 10
	maxTorrentSize = 10 * 1024 * 1024 // 10MB

	fetchTimeout = 30 * time.Second
)

// ReResolveFunc maps an aggregator-proxied reference back to its original
// indexer URL. It is consulted once, after the first fetch fails.
type ReResolveFunc func(ctx context.Context, ref string) (string, error)

// Resolver turns an opaque release reference (magnet URI or HTTP link) into
// torrent Info. Resolved hashes are cached per reference behind the
// resolver's own lock, independent of any other subsystem.
type Resolver struct {
	client    *http.Client
	reResolve ReResolveFunc

	mu    sync.Mutex
	cache map[string]*Info
}

func NewResolver(reResolve ReResolveFunc) *Resolver {
	return &Resolver{
		client: &http.Client{
			Timeout: fetchTimeout,
			// Redirects are walked by hand: a hop may point at a magnet URI,
			// which net/http would refuse to follow.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		reResolve: reResolve,
		cache:     make(map[string]*Info),
	}
}

// Resolve returns the torrent Info for a reference. The result is computed
// once per reference and cached for the life of the process.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Info, error) {
	r.mu.Lock()
	if cached, ok := r.cache[ref]; ok {
		r.mu.Unlock()

		return cached, nil
	}
	r.mu.Unlock()

	info, err := r.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[ref] = info
	r.mu.Unlock()

	return info, nil
}

func (r *Resolver) resolve(ctx context.Context, ref string) (*Info, error) {
	logger := logctx.LoggerFromContext(ctx)

	if IsMagnet(ref) {
		return FromMagnet(ref)
	}

	info, err := r.fetch(ctx, ref)
	if err == nil {
		return info, nil
	}

	// One fallback: ask the aggregator for the original indexer URL and try
	// that before giving up.
	if r.reResolve != nil {
		logger.Debug("torrent fetch failed, re-resolving reference", "ref", ref, "err", err)

		original, rerr := r.reResolve(ctx, ref)
		if rerr == nil && original != "" && original != ref {
			if IsMagnet(original) {
				return FromMagnet(original)
			}

			return r.fetch(ctx, original)
		}
	}

	return nil, err
}

// fetch downloads a .torrent from a URL, following redirects manually so a
// magnet target at any hop (or a magnet body) is detected and handled as a
// magnet rather than as torrent-file bytes.
func (r *Resolver) fetch(ctx context.Context, rawURL string) (*Info, error) {
	operation := func() (*Info, error) {
		info, err := r.fetchOnce(ctx, rawURL)
		if err != nil {
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				// Malformed payloads do not get better on retry.
				return nil, backoff.Permanent(err)
			}

			return nil, err
		}

		return info, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

func (r *Resolver) fetchOnce(ctx context.Context, rawURL string) (*Info, error) {
	current := rawURL

	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch torrent: %w", err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if location == "" {
				return nil, fmt.Errorf("redirect without location from %s", current)
			}

			if IsMagnet(location) {
				return FromMagnet(location)
			}

			// Location may be relative; resolve it against the request URL.
			next, err := resp.Request.URL.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("invalid redirect location %q from %s: %w", location, current, err)
			}

			current = next.String()

			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize+1))
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("failed to read torrent body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("torrent fetch returned status %d", resp.StatusCode)
		}

		if len(body) > maxTorrentSize {
			return nil, &ParseError{Input: current, Msg: "torrent payload exceeds size limit"}
		}

		return classifyPayload(body)
	}

	return nil, fmt.Errorf("too many redirects fetching %s", rawURL)
}

// classifyPayload is the single magnet-or-torrent decision point: a small
// body that is itself a magnet URI is treated as a magnet, anything else as
// torrent-file bytes.
func classifyPayload(body []byte) (*Info, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 1024 && IsMagnet(string(trimmed)) {
		return FromMagnet(string(trimmed))
	}

	return FromBytes(body)
}
