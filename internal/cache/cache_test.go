package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBackend(t *testing.T, b CacheBackend) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "user:abc", []byte(`{"id":"1"}`), time.Minute))
	got, ok, err := b.Get(ctx, "user:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"1"}`, string(got))

	require.NoError(t, b.Delete(ctx, "user:abc"))
	_, ok, err = b.Get(ctx, "user:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	mc := NewMemoryCache(100, time.Hour)
	defer mc.Close()
	exerciseBackend(t, mc)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(100, time.Hour)
	defer mc.Close()

	require.NoError(t, mc.Set(context.Background(), "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := mc.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheSetEnforcesMaxItems(t *testing.T) {
	mc := NewMemoryCache(2, time.Hour)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "content:a", []byte("1"), time.Minute))
	require.NoError(t, mc.Set(ctx, "content:b", []byte("2"), 2*time.Minute))
	require.NoError(t, mc.Set(ctx, "user:c", []byte("3"), 3*time.Minute))

	assert.Equal(t, 2, mc.Len())
	_, ok, _ := mc.Get(ctx, "content:a")
	assert.False(t, ok, "soonest-expiring entry is evicted first")
	_, ok, _ = mc.Get(ctx, "user:c")
	assert.True(t, ok)
}

func TestMemoryCacheEvictsExpiredBeforeLive(t *testing.T) {
	mc := NewMemoryCache(2, time.Hour)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "stale", []byte("1"), time.Millisecond))
	require.NoError(t, mc.Set(ctx, "long", []byte("2"), time.Hour))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mc.Set(ctx, "short", []byte("3"), time.Minute))
	require.NoError(t, mc.Set(ctx, "shorter", []byte("4"), 30*time.Second))

	assert.Equal(t, 2, mc.Len())
	_, ok, _ := mc.Get(ctx, "long")
	assert.True(t, ok)
	_, ok, _ = mc.Get(ctx, "short")
	assert.True(t, ok)
}

func TestMemoryCacheDoubleClose(t *testing.T) {
	mc := NewMemoryCache(1, time.Hour)
	assert.NoError(t, mc.Close())
	assert.NoError(t, mc.Close())
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	rc, err := NewRedisCache(context.Background(), url, "unlock-test:")
	require.NoError(t, err)
	defer rc.Close()
	exerciseBackend(t, rc)
}

func TestNewFallsBackToMemory(t *testing.T) {
	b, kind := New(context.Background(), "redis://127.0.0.1:1/0", DefaultCacheConfig())
	defer b.Close()
	assert.Equal(t, "memory", kind)
	_, isMem := b.(*MemoryCache)
	assert.True(t, isMem)
}

func TestJSONHelpers(t *testing.T) {
	mc := NewMemoryCache(100, time.Hour)
	defer mc.Close()
	ctx := context.Background()

	type snapshot struct {
		ID    string `json:"id"`
		Price int64  `json:"price"`
	}

	_, ok, err := GetJSON[snapshot](ctx, mc, "content:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, mc, "content:a", snapshot{ID: "a", Price: 21}, time.Minute))
	got, ok, err := GetJSON[snapshot](ctx, mc, "content:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snapshot{ID: "a", Price: 21}, got)

	require.NoError(t, mc.Set(ctx, "content:bad", []byte("{not json"), time.Minute))
	_, ok, err = GetJSON[snapshot](ctx, mc, "content:bad")
	require.NoError(t, err)
	assert.False(t, ok, "undecodable entries read as misses")
}
