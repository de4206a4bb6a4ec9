package cache

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/TFMV/queryscope/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResultCache stores query result rows keyed by the query fingerprint.
type ResultCache struct {
	backend Cache
	keys    KeyGenerator
	ttl     time.Duration
	stats   *StatsCollector
}

// NewResultCache wraps a backend. A nil backend yields a cache that always misses.
func NewResultCache(backend Cache, cfg *Config) *ResultCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	rc := &ResultCache{
		backend: backend,
		keys:    DefaultKeyGenerator{Prefix: cfg.KeyPrefix},
		ttl:     ttl,
	}
	if cfg.EnableStats {
		rc.stats = NewStatsCollector()
	}
	return rc
}

// Enabled reports whether a backend is configured.
func (c *ResultCache) Enabled() bool {
	return c != nil && c.backend != nil
}

// Key returns the cache key for query.
func (c *ResultCache) Key(query string) string {
	return c.keys.GenerateKey(query)
}

// TTL returns the entry lifetime.
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

// LoadRows returns the cached rows for query. A backend or decode failure is
// returned with found=false so callers can fall through to the database.
func (c *ResultCache) LoadRows(ctx context.Context, query string) ([]models.Row, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	raw, found, err := c.backend.Get(ctx, c.Key(query))
	if err != nil {
		c.recordError()
		return nil, false, err
	}
	if !found {
		if c.stats != nil {
			c.stats.RecordMiss()
		}
		return nil, false, nil
	}

	var rows []models.Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		c.recordError()
		return nil, false, err
	}
	if rows == nil {
		rows = []models.Row{}
	}
	if c.stats != nil {
		c.stats.RecordHit()
	}
	return rows, true, nil
}

// StoreRows serialises rows and stores them under the query fingerprint.
func (c *ResultCache) StoreRows(ctx context.Context, query string, rows []models.Row) error {
	if !c.Enabled() {
		return nil
	}
	if rows == nil {
		rows = []models.Row{}
	}

	raw, err := json.Marshal(rows)
	if err != nil {
		c.recordError()
		return err
	}
	if err := c.backend.Set(ctx, c.Key(query), raw, c.ttl); err != nil {
		c.recordError()
		return err
	}
	return nil
}

// Stats returns a snapshot of hit/miss/error counters.
func (c *ResultCache) Stats() Stats {
	if c == nil || c.stats == nil {
		return Stats{}
	}
	return c.stats.GetStats()
}

// Close closes the backend.
func (c *ResultCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Close()
}

func (c *ResultCache) recordError() {
	if c.stats != nil {
		c.stats.RecordError()
	}
}
