// Package decrypt turns paid-content ciphertext into plaintext for one session,
// caching results for the session's lifetime.
package decrypt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"unlock-server/internal/util"
)

// CacheKeyLen is the number of leading ciphertext characters used as cache key.
// Two ciphertexts sharing this prefix collide; see DESIGN.md.
const CacheKeyLen = 20

const defaultWaitDelay = 100 * time.Millisecond

var (
	// ErrInFlight is recorded when a call found another decrypt running and the
	// result was not cached after the wait.
	ErrInFlight = errors.New("decrypt already in flight")
	ErrClosed   = errors.New("decrypt service closed")
	ErrEmpty    = errors.New("empty ciphertext")
)

// Decrypter performs the actual decryption (remote endpoint or local key).
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Outcome labels a Decrypt call for metrics.
type Outcome string

const (
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeSuccess  Outcome = "success"
	OutcomeError    Outcome = "error"
	OutcomeInFlight Outcome = "in_flight"
)

// Service is the per-session decryption cache. One request may be in flight at
// a time; concurrent callers wait briefly and then read the cache.
type Service struct {
	backend   Decrypter
	waitDelay time.Duration
	logger    *slog.Logger
	observe   func(Outcome)

	guard *semaphore.Weighted

	mu      sync.RWMutex
	cache   map[string]string
	lastErr error
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithWaitDelay sets how long a second caller waits for the in-flight result.
func WithWaitDelay(d time.Duration) Option {
	return func(s *Service) { s.waitDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithObserver registers a callback invoked once per Decrypt call.
func WithObserver(fn func(Outcome)) Option {
	return func(s *Service) { s.observe = fn }
}

// New creates a service bound to one session runtime.
func New(backend Decrypter, opts ...Option) *Service {
	s := &Service{
		backend:   backend,
		waitDelay: defaultWaitDelay,
		logger:    slog.Default(),
		observe:   func(Outcome) {},
		guard:     semaphore.NewWeighted(1),
		cache:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CacheKey returns the cache key for a ciphertext.
func CacheKey(ciphertext string) string {
	if len(ciphertext) <= CacheKeyLen {
		return ciphertext
	}
	return ciphertext[:CacheKeyLen]
}

// Decrypt returns the plaintext and true, or "" and false on any failure.
// Failures are recorded and readable through Err; Decrypt never panics.
func (s *Service) Decrypt(ctx context.Context, ciphertext string) (string, bool) {
	if ciphertext == "" {
		s.fail(OutcomeError, ErrEmpty)
		return "", false
	}
	key := CacheKey(ciphertext)

	if plain, ok := s.lookup(key); ok {
		s.observe(OutcomeCacheHit)
		return plain, true
	}

	if !s.guard.TryAcquire(1) {
		// another decrypt is running; give it a moment then settle for the cache
		timer := time.NewTimer(s.waitDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		if plain, ok := s.lookup(key); ok {
			s.observe(OutcomeCacheHit)
			return plain, true
		}
		s.fail(OutcomeInFlight, ErrInFlight)
		return "", false
	}
	defer s.guard.Release(1)

	// a caller that waited on us may have been beaten to the cache
	if plain, ok := s.lookup(key); ok {
		s.observe(OutcomeCacheHit)
		return plain, true
	}

	if s.isClosed() {
		s.fail(OutcomeError, ErrClosed)
		return "", false
	}

	plain, err := s.call(ctx, ciphertext)
	if err != nil {
		s.fail(OutcomeError, err)
		s.logger.Warn("decrypt failed", "key", util.Prefix(key, 8), "error", err)
		return "", false
	}

	s.mu.Lock()
	if !s.closed {
		s.cache[key] = plain
	}
	s.lastErr = nil
	s.mu.Unlock()

	s.observe(OutcomeSuccess)
	return plain, true
}

func (s *Service) call(ctx context.Context, ciphertext string) (plain string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("decrypter panicked")
			s.logger.Error("decrypter panic", "panic", r)
		}
	}()
	return s.backend.Decrypt(ctx, ciphertext)
}

// Err returns the error recorded by the most recent failed Decrypt, cleared on success.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Len returns the number of cached entries.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Close drops every cached plaintext. Later calls fail soft.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	clear(s.cache)
	s.mu.Unlock()
}

func (s *Service) lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plain, ok := s.cache[key]
	return plain, ok
}

func (s *Service) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Service) fail(o Outcome, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.observe(o)
}
