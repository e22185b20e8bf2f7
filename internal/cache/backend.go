package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CacheBackend stores published events and user snapshots by key.
type CacheBackend interface {
	// Get returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON decodes the value under key into a T. A missing key or an entry
// that no longer decodes reports found=false.
func GetJSON[T any](ctx context.Context, b CacheBackend, key string) (T, bool, error) {
	var v T
	raw, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, nil
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, b CacheBackend, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set(ctx, key, raw, ttl)
}
