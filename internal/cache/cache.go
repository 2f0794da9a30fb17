// Package cache provides the pluggable key/value layer used for tool
// result caching and shared application state. Two backends implement
// the same contract: an in-process LRU map and Redis.
package cache

import (
	"context"
	"log/slog"
	"time"
)

// Backend is the storage contract shared by both engines.
//
// Key namespacing is the caller's job; the framework uses "sam:"
// prefixed keys throughout. A zero ttl on Set and GetOrSet means the
// backend's default TTL, and a zero default means no expiry.
type Backend interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (any, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Clear removes every key matching the glob pattern and returns the
	// number removed.
	Clear(ctx context.Context, pattern string) (int, error)
	// Increment atomically adds delta to the integer stored at key,
	// creating it at delta if absent, and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// GetOrSet returns the cached value, or runs factory and stores its
	// result. Concurrent callers for the same key share one factory
	// invocation.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (any, error)) (any, error)
	// Stats reports the backend's current shape and hit ratio.
	Stats(ctx context.Context) Stats
	// Close releases backend resources.
	Close() error
}

// Stats is a point-in-time snapshot of a backend.
type Stats struct {
	Backend        string  `json:"backend"`
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size,omitempty"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions,omitempty"`
	HitRate        float64 `json:"hit_rate"`
	ConnectionInfo string  `json:"connection_info,omitempty"`
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Config selects and tunes the backend.
type Config struct {
	// RedisURL switches the engine to Redis when non-empty.
	RedisURL string
	// MaxSize caps the memory backend's entry count.
	MaxSize int
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL time.Duration
	// Prefix namespaces every key on shared backends. The memory
	// backend is process-private and ignores it.
	Prefix string
}

// New returns the backend selected by cfg: Redis when RedisURL is set,
// otherwise the in-process memory engine.
func New(cfg Config, logger *slog.Logger) (Backend, error) {
	if cfg.RedisURL != "" {
		return NewRedis(cfg.RedisURL, cfg.Prefix, cfg.DefaultTTL, logger)
	}
	return NewMemory(cfg.MaxSize, cfg.DefaultTTL, logger), nil
}
