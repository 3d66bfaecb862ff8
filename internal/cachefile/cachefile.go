// Package cachefile is a small JSON-on-disk cache repository. Each cache is
// one file, guarded by one lock, holding entries keyed by an opaque string
// with a Unix timestamp used for TTL expiry. Protocol clients use it for
// search-result and release-reference caches that must survive restarts.
package cachefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"ts"`
}

// Cache is a persisted key/value store with TTL expiry.
type Cache struct {
	path string
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// Open loads the cache file at path, creating an empty cache when the file
// does not exist yet. A zero ttl disables expiry.
func Open(path string, ttl time.Duration) (*Cache, error) {
	c := &Cache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			// A mangled cache is not worth failing startup over.
			c.entries = make(map[string]entry)
		}
	}

	return c, nil
}

// Get unmarshals the cached value for key into out. The second return is
// false when the key is absent or expired.
func (c *Cache) Get(key string, out interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return false, nil
	}

	if err := json.Unmarshal(e.Value, out); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %q: %w", key, err)
	}

	return true, nil
}

// Set stores a value under key and persists the cache file.
func (c *Cache) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{Value: raw, Timestamp: c.now().Unix()}

	return c.persist()
}

// Evict removes a key and persists the cache file.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return nil
	}

	delete(c.entries, key)

	return c.persist()
}

// Sweep drops every expired entry and reports how many were removed.
func (c *Cache) Sweep() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0

	for key, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}

	return removed, c.persist()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	for _, e := range c.entries {
		if !c.expired(e) {
			n++
		}
	}

	return n
}

func (c *Cache) expired(e entry) bool {
	if c.ttl <= 0 {
		return false
	}

	return c.now().Sub(time.Unix(e.Timestamp, 0)) > c.ttl
}

// persist writes the cache through a rename so a crash mid-write cannot
// truncate the previous contents. Caller holds the lock.
func (c *Cache) persist() error {
	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	return nil
}
