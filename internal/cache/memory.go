package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryCache is the single-process backend: content events and user
// snapshots live in a bounded map. When full, a Set drops expired entries
// and then those closest to expiry.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	maxItems int

	stop     chan struct{}
	stopOnce sync.Once
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns a cache holding at most maxItems entries (0 means
// unbounded) and sweeps expired ones every sweepEvery.
func NewMemoryCache(maxItems int, sweepEvery time.Duration) *MemoryCache {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	mc := &MemoryCache{
		entries:  make(map[string]memEntry),
		maxItems: maxItems,
		stop:     make(chan struct{}),
	}
	go mc.sweepLoop(sweepEvery)
	return mc
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	if m.maxItems > 0 && len(m.entries) > m.maxItems {
		m.evictLocked(time.Now())
	}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Close stops the sweeper. Entries stay readable.
func (m *MemoryCache) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryCache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			m.evictLocked(now)
			m.mu.Unlock()
		}
	}
}

// evictLocked drops expired entries, then the soonest-expiring ones until
// the map fits maxItems.
func (m *MemoryCache) evictLocked(now time.Time) {
	type live struct {
		key     string
		expires time.Time
	}
	var alive []live
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
			continue
		}
		alive = append(alive, live{k, e.expires})
	}
	if m.maxItems <= 0 || len(alive) <= m.maxItems {
		return
	}
	slices.SortFunc(alive, func(a, b live) int { return a.expires.Compare(b.expires) })
	for _, e := range alive[:len(alive)-m.maxItems] {
		delete(m.entries, e.key)
	}
}
