// Package cache stores retrieval relevance scores between runs.
//
// Scoring a reference set is the most repeated external call in a pipeline:
// the same caption against the same reference set yields the same ranking.
// A [Cache] keeps those responses keyed by a digest of everything that
// influenced them, so a second run over unchanged inputs skips the call.
//
// Three backends are provided:
//
//   - [FileCache] stores entries as JSON files (CLI default)
//   - [RedisCache] stores entries in Redis (shared by `paperbanana serve` replicas)
//   - [NullCache] stores nothing (disables caching)
package cache

import (
	"context"
	"time"
)

// Default TTLs.
const (
	TTLScores = 7 * 24 * time.Hour
)

// Cache is a byte-oriented key/value store with expiry.
//
// Get reports (nil, false, nil) on a miss. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
