package decrypt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"unlock-server/internal/nips"
)

type funcDecrypter func(ctx context.Context, c string) (string, error)

func (f funcDecrypter) Decrypt(ctx context.Context, c string) (string, error) { return f(ctx, c) }

func countingDecrypter(calls *atomic.Int32) Decrypter {
	return funcDecrypter(func(_ context.Context, c string) (string, error) {
		calls.Add(1)
		return "plain:" + c, nil
	})
}

const cipherA = "AAAAAAAAAAAAAAAAAAAAfirst-ciphertext?iv=xyz"

func TestDecryptIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	s := New(countingDecrypter(&calls))

	for i := 0; i < 3; i++ {
		plain, ok := s.Decrypt(context.Background(), cipherA)
		require.True(t, ok)
		assert.Equal(t, "plain:"+cipherA, plain)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, s.Err())
}

func TestDecryptFailsSoft(t *testing.T) {
	boom := errors.New("boom")
	s := New(funcDecrypter(func(context.Context, string) (string, error) { return "", boom }))

	plain, ok := s.Decrypt(context.Background(), cipherA)
	assert.False(t, ok)
	assert.Empty(t, plain)
	assert.ErrorIs(t, s.Err(), boom)
	assert.Zero(t, s.Len())

	_, ok = s.Decrypt(context.Background(), "")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err(), ErrEmpty)
}

func TestDecryptRecoversPanic(t *testing.T) {
	s := New(funcDecrypter(func(context.Context, string) (string, error) { panic("bad backend") }))
	_, ok := s.Decrypt(context.Background(), cipherA)
	assert.False(t, ok)
	assert.Error(t, s.Err())
}

func TestSecondCallerGivesUpWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := New(funcDecrypter(func(ctx context.Context, c string) (string, error) {
		close(started)
		<-release
		return "plain", nil
	}), WithWaitDelay(10*time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		plain, ok := s.Decrypt(context.Background(), cipherA)
		assert.True(t, ok)
		assert.Equal(t, "plain", plain)
	}()
	<-started

	_, ok := s.Decrypt(context.Background(), cipherA)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err(), ErrInFlight)

	close(release)
	wg.Wait()

	// the retry now hits the cache
	plain, ok := s.Decrypt(context.Background(), cipherA)
	assert.True(t, ok)
	assert.Equal(t, "plain", plain)
}

func TestSecondCallerReadsCacheWhenFirstFinishesInTime(t *testing.T) {
	started := make(chan struct{})
	s := New(funcDecrypter(func(ctx context.Context, c string) (string, error) {
		close(started)
		time.Sleep(5 * time.Millisecond)
		return "plain", nil
	}), WithWaitDelay(200*time.Millisecond))

	go s.Decrypt(context.Background(), cipherA)
	<-started

	plain, ok := s.Decrypt(context.Background(), cipherA)
	assert.True(t, ok)
	assert.Equal(t, "plain", plain)
}

// Two ciphertexts sharing the first 20 characters collide on the cache key and
// the second gets the first one's plaintext.
func TestCacheKeyPrefixCollision(t *testing.T) {
	var calls atomic.Int32
	s := New(countingDecrypter(&calls))

	prefix := strings.Repeat("P", CacheKeyLen)
	first, second := prefix+"-one", prefix+"-two"
	require.Equal(t, CacheKey(first), CacheKey(second))

	p1, ok := s.Decrypt(context.Background(), first)
	require.True(t, ok)
	p2, ok := s.Decrypt(context.Background(), second)
	require.True(t, ok)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloseClearsCache(t *testing.T) {
	var calls atomic.Int32
	s := New(countingDecrypter(&calls))
	_, ok := s.Decrypt(context.Background(), cipherA)
	require.True(t, ok)
	require.Equal(t, 1, s.Len())

	s.Close()
	assert.Zero(t, s.Len())
	_, ok = s.Decrypt(context.Background(), cipherA)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err(), ErrClosed)
}

func TestObserverSeesOutcomes(t *testing.T) {
	var mu sync.Mutex
	var seen []Outcome
	var calls atomic.Int32
	s := New(countingDecrypter(&calls), WithObserver(func(o Outcome) {
		mu.Lock()
		seen = append(seen, o)
		mu.Unlock()
	}))

	s.Decrypt(context.Background(), cipherA)
	s.Decrypt(context.Background(), cipherA)
	assert.Equal(t, []Outcome{OutcomeSuccess, OutcomeCacheHit}, seen)
}

func TestRemoteDecrypter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req decryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.EncryptedContent {
		case "bad":
			w.WriteHeader(http.StatusInternalServerError)
		case "malformed":
			w.Write([]byte(`{"nope":true}`))
		default:
			json.NewEncoder(w).Encode(map[string]string{"decryptedContent": "# Lesson " + req.EncryptedContent})
		}
	}))
	defer srv.Close()

	d := NewRemoteDecrypter(srv.URL, "tok", time.Second)

	plain, err := d.Decrypt(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, "# Lesson one", plain)

	_, err = d.Decrypt(context.Background(), "bad")
	assert.ErrorContains(t, err, "status 500")

	_, err = d.Decrypt(context.Background(), "malformed")
	assert.ErrorContains(t, err, "missing decryptedContent")
}

func TestLocalDecrypterRoundTrip(t *testing.T) {
	priv, err := nips.GeneratePrivateKey()
	require.NoError(t, err)

	d, err := NewLocalDecrypter(hex.EncodeToString(priv))
	require.NoError(t, err)

	sealed, err := d.Encrypt("## paid body")
	require.NoError(t, err)

	s := New(d)
	plain, ok := s.Decrypt(context.Background(), sealed)
	require.True(t, ok)
	assert.Equal(t, "## paid body", plain)
}
