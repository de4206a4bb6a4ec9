package cache

import (
	"crypto/md5"
	"encoding/hex"
)

// Fingerprint returns the hex MD5 of the exact query bytes. No normalisation
// is applied: case and whitespace differences produce different keys.
func Fingerprint(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])
}

// KeyGenerator maps query text to a cache key.
type KeyGenerator interface {
	GenerateKey(query string) string
}

// DefaultKeyGenerator prefixes the fingerprint with an optional namespace.
type DefaultKeyGenerator struct {
	Prefix string
}

// GenerateKey creates a cache key from a query.
func (g DefaultKeyGenerator) GenerateKey(query string) string {
	return g.Prefix + Fingerprint(query)
}
