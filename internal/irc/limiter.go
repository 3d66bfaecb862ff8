package irc

import (
	"context"
	"sync"
	"time"
)

// SearchLimiter enforces a minimum interval between search commands across
// every IRC connection in the process. The networks ban clients that search
// too often, so the limiter is shared, not per connection.
type SearchLimiter struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

func NewSearchLimiter(interval time.Duration) *SearchLimiter {
	return &SearchLimiter{interval: interval}
}

// Wait blocks until the interval since the previous search has elapsed, then
// claims the slot. It returns early with the context error on cancellation.
func (l *SearchLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()

		now := time.Now()
		wait := l.interval - now.Sub(l.last)

		if wait <= 0 {
			l.last = now
			l.mu.Unlock()

			return nil
		}

		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
