// Package cache provides the result cache used by the query executor: a
// key-value store with per-entry expiry backed by Redis or an in-process LRU.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache defines the interface for a byte-valued cache with expiry.
type Cache interface {
	// Get retrieves a value. found is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores a value that expires after ttl. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a value; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases any resources held by the cache.
	Close() error
}

// Backend names a cache implementation.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// New creates the cache selected by cfg.Backend. BackendNone returns a nil
// Cache, which callers treat as caching disabled.
func New(cfg *Config) (Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case BackendRedis:
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis cache requires a URL")
		}
		return NewRedisCache(cfg.URL)
	case BackendMemory, "":
		return NewMemoryCache(cfg.MaxEntries)
	case BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}
