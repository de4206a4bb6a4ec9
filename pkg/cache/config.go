package cache

import (
	"time"
)

const (
	// DefaultTTL is the lifetime of a cached result set.
	DefaultTTL = 60 * time.Second
	// DefaultMaxEntries bounds the in-process cache.
	DefaultMaxEntries = 1024
)

// Config holds the configuration for the cache
type Config struct {
	// Backend selects redis, memory or none
	Backend string
	// URL is the Redis connection URL
	URL string
	// TTL is the time-to-live for cache entries
	TTL time.Duration
	// MaxEntries bounds the memory backend
	MaxEntries int
	// KeyPrefix namespaces every key
	KeyPrefix string
	// EnableStats enables cache statistics collection
	EnableStats bool
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Backend:     BackendMemory,
		TTL:         DefaultTTL,
		MaxEntries:  DefaultMaxEntries,
		EnableStats: true,
	}
}

// WithRedis selects the Redis backend at url
func (c *Config) WithRedis(url string) *Config {
	c.Backend = BackendRedis
	c.URL = url
	return c
}

// WithMaxEntries sets the maximum number of entries of the memory backend
func (c *Config) WithMaxEntries(n int) *Config {
	c.MaxEntries = n
	return c
}

// WithTTL sets the time-to-live for cache entries
func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

// WithKeyPrefix sets the key namespace
func (c *Config) WithKeyPrefix(prefix string) *Config {
	c.KeyPrefix = prefix
	return c
}

// WithStats enables or disables cache statistics
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}
