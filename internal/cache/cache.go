// Package cache provides general-purpose, TTL-bounded in-memory caching
// used by the Prompt Store's hot-path reads.
package cache

import (
	"context"
	"time"
)

// Cache is the interface for byte-slice caching with per-entry TTL.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete removes a cached value.
	Delete(ctx context.Context, key string)
	// Purge removes all cached values.
	Purge(ctx context.Context)
}
