package main

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"unlock-server/internal/decrypt"
	"unlock-server/internal/lessons"
	"unlock-server/internal/payments"
	"unlock-server/internal/types"
)

// subscriptionStatus is what GET /subscriptions/status reports.
type subscriptionStatus struct {
	Processing       bool   `json:"isProcessing"`
	LastOutcome      string `json:"lastOutcome,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
}

// sessionRuntime holds everything one session owns: its decrypt cache, lesson
// coordinators, invoice flows and subscription progress. Background work runs
// under ctx and stops when the runtime is closed.
type sessionRuntime struct {
	id      string
	pubkey  string
	ctx     context.Context
	cancel  context.CancelFunc
	decrypt *decrypt.Service
	notices noticeQueue

	mu           sync.Mutex
	user         *types.User
	coordinators map[string]*lessons.Coordinator
	flows        map[string]*payments.Flow
	sub          subscriptionStatus
	closed       bool
	closeOnce    sync.Once
}

func newSessionRuntime(id, pubkey string, dec *decrypt.Service) *sessionRuntime {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionRuntime{
		id:           id,
		pubkey:       pubkey,
		ctx:          ctx,
		cancel:       cancel,
		decrypt:      dec,
		coordinators: make(map[string]*lessons.Coordinator),
		flows:        make(map[string]*payments.Flow),
	}
}

// Session returns a snapshot for entitlement checks.
func (rt *sessionRuntime) Session() *types.Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return &types.Session{ID: rt.id, User: rt.user}
}

// User returns the current user snapshot, nil for anonymous sessions.
func (rt *sessionRuntime) User() *types.User {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.user
}

// setUser installs a fresh user snapshot and re-evaluates the focused lesson
// of every course.
func (rt *sessionRuntime) setUser(u *types.User) {
	rt.mu.Lock()
	rt.user = u
	session := &types.Session{ID: rt.id, User: u}
	coords := make([]*lessons.Coordinator, 0, len(rt.coordinators))
	for _, c := range rt.coordinators {
		coords = append(coords, c)
	}
	rt.mu.Unlock()

	for _, c := range coords {
		c.Refresh(session)
	}
}

// coordinator returns the course's coordinator, building it on first use.
func (rt *sessionRuntime) coordinator(courseID string, build func() *lessons.Coordinator) (*lessons.Coordinator, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, false
	}
	if c, ok := rt.coordinators[courseID]; ok {
		return c, true
	}
	c := build()
	rt.coordinators[courseID] = c
	return c, true
}

func (rt *sessionRuntime) addFlow(f *payments.Flow) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return false
	}
	rt.flows[f.ID] = f
	return true
}

func (rt *sessionRuntime) flow(id string) *payments.Flow {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.flows[id]
}

func (rt *sessionRuntime) removeFlow(id string) *payments.Flow {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	f := rt.flows[id]
	delete(rt.flows, id)
	return f
}

// beginSubscription marks a subscription flow as running. It returns false if
// one already is.
func (rt *sessionRuntime) beginSubscription() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed || rt.sub.Processing {
		return false
	}
	rt.sub = subscriptionStatus{Processing: true}
	return true
}

func (rt *sessionRuntime) setProcessing(on bool) {
	rt.mu.Lock()
	rt.sub.Processing = on
	if !on {
		rt.sub.AuthorizationURL = ""
	}
	rt.mu.Unlock()
}

func (rt *sessionRuntime) setAuthorizationURL(u string) {
	rt.mu.Lock()
	rt.sub.AuthorizationURL = u
	rt.mu.Unlock()
}

func (rt *sessionRuntime) setSubscriptionOutcome(outcome string) {
	rt.mu.Lock()
	rt.sub.LastOutcome = outcome
	rt.mu.Unlock()
}

func (rt *sessionRuntime) subStatus() subscriptionStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sub
}

// Close cancels background work, closes every flow and coordinator, and
// drops cached plaintext. Safe to call more than once.
func (rt *sessionRuntime) Close() {
	rt.closeOnce.Do(func() {
		rt.mu.Lock()
		rt.closed = true
		flows := rt.flows
		coords := rt.coordinators
		rt.flows = map[string]*payments.Flow{}
		rt.coordinators = map[string]*lessons.Coordinator{}
		rt.mu.Unlock()

		rt.cancel()
		for _, f := range flows {
			f.Close()
		}
		for _, c := range coords {
			c.Close()
		}
		rt.decrypt.Close()
	})
}

// sessionRegistry keeps session runtimes in an expirable LRU. Eviction, by
// size or idle time, closes the runtime.
type sessionRegistry struct {
	mu         sync.Mutex
	lru        *expirable.LRU[string, *sessionRuntime]
	newRuntime func(id, pubkey string) *sessionRuntime
}

func newSessionRegistry(size int, ttl time.Duration, newRuntime func(id, pubkey string) *sessionRuntime) *sessionRegistry {
	onEvict := func(_ string, rt *sessionRuntime) {
		sessionsActive.Dec()
		// the LRU lock is held here; coordinators wait for in-flight attempts
		go rt.Close()
	}
	return &sessionRegistry{
		lru:        expirable.NewLRU(size, onEvict, ttl),
		newRuntime: newRuntime,
	}
}

// Get returns the runtime for id, creating it if needed. A runtime created for
// a different pubkey (login, logout, account switch) is replaced.
func (s *sessionRegistry) Get(id, pubkey string) *sessionRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.lru.Get(id); ok {
		if rt.pubkey == pubkey {
			s.lru.Add(id, rt) // renews the idle deadline
			return rt
		}
		s.lru.Remove(id)
	}
	rt := s.newRuntime(id, pubkey)
	s.lru.Add(id, rt)
	sessionsActive.Inc()
	return rt
}

// Len returns the number of live runtimes.
func (s *sessionRegistry) Len() int {
	return s.lru.Len()
}

// Close closes every runtime and empties the registry.
func (s *sessionRegistry) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.lru.Values() {
		rt.Close()
	}
	s.lru.Purge()
}
