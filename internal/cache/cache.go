// Package cache provides the key/value backends (memory or Redis) used for
// published content and user snapshots. Decrypted content never goes here.
package cache

import (
	"context"
	"log/slog"
)

const keyPrefix = "unlock:"

// New returns a Redis backend when redisURL is set and reachable, otherwise
// an in-memory backend. The second return value names the backend type.
func New(ctx context.Context, redisURL string, cfg CacheConfig) (CacheBackend, string) {
	if redisURL != "" {
		slog.Info("initializing Redis cache")
		rc, err := NewRedisCache(ctx, redisURL, keyPrefix)
		if err == nil {
			slog.Info("Redis cache initialized")
			return rc, "redis"
		}
		slog.Warn("Redis connection failed, using memory cache", "error", err)
	}
	return NewMemoryCache(cfg.MaxEntries, cfg.CleanupInterval), "memory"
}
