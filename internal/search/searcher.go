// Package search runs channel searches end to end: issue the search command,
// receive the results listing over DCC, parse and rank it, and remember the
// answer so repeat queries stay off the network.
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpetrun5/bookgrab/internal/extract"
	"github.com/mpetrun5/bookgrab/internal/irc"
	"github.com/mpetrun5/bookgrab/internal/logctx"
	"github.com/mpetrun5/bookgrab/internal/telemetry"
)

// Session is the slice of the IRC client a search needs.
type Session interface {
	Search(ctx context.Context, limiter *irc.SearchLimiter, query string) error
	AwaitSearchOutcome(ctx context.Context) (irc.Outcome, error)
	OnlineServers() []string
	Close() error
}

// Connector opens a ready-to-use session (dialed, registered, joined).
type Connector func(ctx context.Context) (Session, error)

// UnavailableError reports that the search network could not serve the query
// right now. Callers may retry later.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("search unavailable: %s", e.Reason)
}

type Searcher struct {
	connect Connector
	limiter *irc.SearchLimiter
	cache   *irc.ResultsCache
	tel     *telemetry.Telemetry

	// receive is swappable for tests; irc.Receive in production.
	receive func(ctx context.Context, offer *irc.DCCOffer, destPath string, cancelled func() bool, progress func(int)) (bool, error)
}

// Option configures optional collaborators.
type Option func(*Searcher)

func WithCache(c *irc.ResultsCache) Option {
	return func(s *Searcher) { s.cache = c }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Searcher) { s.tel = t }
}

func NewSearcher(connect Connector, limiter *irc.SearchLimiter, opts ...Option) *Searcher {
	s := &Searcher{
		connect: connect,
		limiter: limiter,
		tel:     &telemetry.Telemetry{},
		receive: irc.Receive,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Search answers a query, from cache when possible. An empty slice with a
// nil error means the network answered "no results"; that answer is cached
// too.
func (s *Searcher) Search(ctx context.Context, query string) ([]irc.ResultLine, error) {
	logger := logctx.LoggerFromContext(ctx).With("query", query)

	if s.cache != nil {
		results, ok, err := s.cache.Get(query)
		if err != nil {
			logger.Warn("failed to read results cache", "err", err)
		} else if ok {
			s.tel.RecordSearch("cached")

			return results, nil
		}
	}

	results, err := s.searchNetwork(ctx, query)
	if err != nil {
		s.tel.RecordSearch("error")

		return nil, err
	}

	s.tel.RecordSearch(outcomeLabel(results))

	if s.cache != nil {
		if err := s.cache.Put(query, results); err != nil {
			logger.Warn("failed to cache results", "err", err)
		}
	}

	return results, nil
}

func (s *Searcher) searchNetwork(ctx context.Context, query string) ([]irc.ResultLine, error) {
	sess, err := s.connect(ctx)
	if err != nil {
		return nil, &UnavailableError{Reason: err.Error()}
	}
	defer sess.Close()

	if err := sess.Search(ctx, s.limiter, query); err != nil {
		return nil, fmt.Errorf("failed to issue search: %w", err)
	}

	outcome, err := sess.AwaitSearchOutcome(ctx)
	if err != nil {
		return nil, err
	}

	switch outcome.Kind {
	case irc.OutcomeEmpty:
		return []irc.ResultLine{}, nil
	case irc.OutcomeRetryable:
		return nil, &UnavailableError{Reason: outcome.Reason}
	}

	body, err := s.fetchListing(ctx, outcome.Offer)
	if err != nil {
		return nil, err
	}

	return irc.RankResults(irc.ParseResults(body), sess.OnlineServers()), nil
}

// fetchListing pulls the results file over DCC and returns its text. Serving
// bots usually ship the listing zipped.
func (s *Searcher) fetchListing(ctx context.Context, offer *irc.DCCOffer) (string, error) {
	dir, err := os.MkdirTemp("", "search-")
	if err != nil {
		return "", fmt.Errorf("failed to create listing directory: %w", err)
	}
	defer os.RemoveAll(dir)

	dest := filepath.Join(dir, filepath.Base(offer.Filename))

	if _, err := s.receive(ctx, offer, dest, func() bool { return false }, nil); err != nil {
		return "", fmt.Errorf("failed to receive results listing: %w", err)
	}

	if !extract.IsArchive(dest) {
		body, err := os.ReadFile(dest)
		if err != nil {
			return "", fmt.Errorf("failed to read results listing: %w", err)
		}

		return string(body), nil
	}

	res, err := extract.Extract(ctx, dest, dir, map[string]bool{"txt": true})
	if err != nil {
		return "", fmt.Errorf("failed to unpack results listing: %w", err)
	}

	var body []byte
	for _, f := range res.Files {
		part, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("failed to read results listing: %w", err)
		}

		body = append(body, part...)
		body = append(body, '\n')
	}

	return string(body), nil
}

func outcomeLabel(results []irc.ResultLine) string {
	if len(results) == 0 {
		return "empty"
	}

	return "results"
}
