package cache

import "time"

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	ContentTTL      time.Duration // published events
	UserTTL         time.Duration // user record snapshots
	CleanupInterval time.Duration
	MaxEntries      int
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ContentTTL:      10 * time.Minute,
		UserTTL:         30 * time.Second, // refreshed after every payment anyway
		CleanupInterval: time.Minute,
		MaxEntries:      10000,
	}
}
