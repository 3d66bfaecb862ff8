package dlclient

import (
	"context"
	"fmt"

	"github.com/mpetrun5/bookgrab/internal/logctx"
)

// Registry holds the configured backends in priority order per protocol.
// Selection walks the list and takes the first backend that is configured
// and answers a connection test, so a dead primary fails over to the next
// candidate on every dispatch.
type Registry struct {
	backends map[Protocol][]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{backends: make(map[Protocol][]Client)}

	for _, c := range clients {
		r.backends[c.Protocol()] = append(r.backends[c.Protocol()], c)
	}

	return r
}

// Select returns the first healthy backend for a protocol. Skipped
// candidates are logged, not returned as errors; only a fully exhausted
// list fails.
func (r *Registry) Select(ctx context.Context, p Protocol) (Client, error) {
	logger := logctx.LoggerFromContext(ctx)

	candidates := r.backends[p]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no %s backend configured", p)
	}

	for _, c := range candidates {
		if !c.IsConfigured() {
			logger.Debug("skipping unconfigured backend", "backend", c.Name(), "protocol", p)

			continue
		}

		if err := c.TestConnection(ctx); err != nil {
			logger.Warn("backend unreachable, trying next", "backend", c.Name(), "protocol", p, "err", err)

			continue
		}

		return c, nil
	}

	return nil, fmt.Errorf("no reachable %s backend among %d candidates", p, len(candidates))
}

// Configured lists the backends that have settings, regardless of
// reachability. Used for startup reporting and the health endpoint.
func (r *Registry) Configured() []Client {
	var out []Client

	for _, p := range []Protocol{ProtocolTorrent, ProtocolUsenet} {
		for _, c := range r.backends[p] {
			if c.IsConfigured() {
				out = append(out, c)
			}
		}
	}

	return out
}
