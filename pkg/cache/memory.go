package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry is a cached value with its absolute expiry.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache implements Cache with a bounded LRU. Expired entries are
// dropped lazily on read; there is no background sweeper.
type MemoryCache struct {
	// mu makes the expiry check and removal in Get atomic with respect to Set.
	mu      sync.Mutex
	entries *lru.Cache[string, entry]
	stats   *StatsCollector
	now     func() time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// WithStatsCollector records evictions into the given collector.
func WithStatsCollector(stats *StatsCollector) MemoryOption {
	return func(c *MemoryCache) {
		c.stats = stats
	}
}

// NewMemoryCache creates a cache holding at most maxEntries values.
func NewMemoryCache(maxEntries int, opts ...MemoryOption) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &MemoryCache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := lru.NewWithEvict[string, entry](maxEntries, func(string, entry) {
		if c.stats != nil {
			c.stats.RecordEviction()
		}
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.expired(now) {
		c.entries.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a value in the cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries.Add(key, e)
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.UpdateSize(int64(c.entries.Len()))
	}
	return nil
}

// Delete removes a value from the cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// Close releases any resources held by the cache.
func (c *MemoryCache) Close() error {
	c.entries.Purge()
	return nil
}
