package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"unlock-server/internal/cache"
	"unlock-server/internal/store"
	"unlock-server/internal/types"
	"unlock-server/internal/util"
)

// userLoader fetches user records for sessions. Snapshots are cached briefly;
// concurrent loads for the same pubkey share one store call. A snapshot
// never replaces one whose store read started later.
type userLoader struct {
	store store.Store
	cache cache.CacheBackend
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time

	mu sync.Mutex // serializes compare-and-set of cached snapshots
}

func newUserLoader(s store.Store, backend cache.CacheBackend, ttl time.Duration) *userLoader {
	return &userLoader{store: s, cache: backend, ttl: ttl, now: time.Now}
}

func userCacheKey(pubkey string) string { return "user:" + pubkey }

// Load returns the user for pubkey, from cache when possible. Unknown users
// are registered when the store supports it, otherwise (nil, nil) is returned.
func (l *userLoader) Load(ctx context.Context, pubkey string) (*types.User, error) {
	if cached, ok := l.cached(ctx, pubkey); ok {
		userCacheTotal.WithLabelValues("hit").Inc()
		return cached.User, nil
	}
	userCacheTotal.WithLabelValues("miss").Inc()
	return l.fetch(ctx, pubkey)
}

// Refresh bypasses the cache. Used after a payment so the new grant is visible.
// A lookup already in flight may have read the store before the grant was
// written, so Refresh starts its own read instead of joining it.
func (l *userLoader) Refresh(ctx context.Context, pubkey string) (*types.User, error) {
	if l.cache != nil {
		if err := l.cache.Delete(ctx, userCacheKey(pubkey)); err != nil {
			slog.Debug("user cache delete failed", "pubkey", util.Prefix(pubkey, 12), "error", err)
		}
	}
	l.group.Forget(pubkey)
	return l.fetch(ctx, pubkey)
}

func (l *userLoader) fetch(ctx context.Context, pubkey string) (*types.User, error) {
	result, err, shared := l.group.Do(pubkey, func() (any, error) {
		return l.fetchDirect(ctx, pubkey)
	})
	if shared {
		slog.Debug("singleflight: shared user fetch", "pubkey", util.Prefix(pubkey, 12))
	}
	if err != nil {
		return nil, err
	}
	return result.(*types.User), nil
}

func (l *userLoader) fetchDirect(ctx context.Context, pubkey string) (*types.User, error) {
	started := l.now()
	user, err := l.store.GetUser(ctx, pubkey)
	if errors.Is(err, store.ErrNotFound) {
		if creator, ok := l.store.(store.UserCreator); ok {
			user, err = creator.CreateUser(ctx, pubkey)
		} else {
			user, err = nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return l.remember(ctx, pubkey, user, started), nil
}

func (l *userLoader) cached(ctx context.Context, pubkey string) (types.CachedUser, bool) {
	if l.cache == nil {
		return types.CachedUser{}, false
	}
	cu, ok, err := cache.GetJSON[types.CachedUser](ctx, l.cache, userCacheKey(pubkey))
	if err != nil {
		slog.Debug("user cache read failed", "pubkey", util.Prefix(pubkey, 12), "error", err)
	}
	return cu, ok
}

// remember caches user as read at started and returns the snapshot callers
// should use: user itself, or the cached one when its read began later.
func (l *userLoader) remember(ctx context.Context, pubkey string, user *types.User, started time.Time) *types.User {
	if l.cache == nil || l.ttl <= 0 {
		return user
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.cached(ctx, pubkey); ok && current.FetchedAt > started.UnixNano() {
		slog.Debug("kept newer user snapshot", "pubkey", util.Prefix(pubkey, 12))
		return current.User
	}
	cu := types.CachedUser{User: user, FetchedAt: started.UnixNano(), NotFound: user == nil}
	if err := cache.SetJSON(ctx, l.cache, userCacheKey(pubkey), cu, l.ttl); err != nil {
		slog.Debug("user cache write failed", "pubkey", util.Prefix(pubkey, 12), "error", err)
	}
	return user
}
