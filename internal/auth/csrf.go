package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CSRFHeader carries the token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

const DefaultCSRFMaxAge = 30 * time.Minute

var (
	ErrCSRFMissing = errors.New("missing CSRF token")
	ErrCSRFInvalid = errors.New("invalid CSRF token")
	ErrCSRFExpired = errors.New("expired CSRF token")
)

// CSRF issues and checks session-bound tokens of the form
// "<unix>.<base64url(hmac-sha256(session.unix))>".
type CSRF struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewCSRF creates a manager. An empty secret is replaced by a random one,
// which invalidates tokens on restart.
func NewCSRF(secret string, maxAge time.Duration) (*CSRF, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate CSRF secret: %w", err)
		}
	}
	if maxAge <= 0 {
		maxAge = DefaultCSRFMaxAge
	}
	return &CSRF{secret: key, maxAge: maxAge, now: time.Now}, nil
}

// Token returns a fresh token for sessionID.
func (c *CSRF) Token(sessionID string) string {
	ts := c.now().Unix()
	return strconv.FormatInt(ts, 10) + "." + c.sign(sessionID, ts)
}

// Validate checks token against sessionID.
func (c *CSRF) Validate(sessionID, token string) error {
	if token == "" {
		return ErrCSRFMissing
	}
	tsPart, sig, ok := strings.Cut(token, ".")
	if !ok {
		return ErrCSRFInvalid
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrCSRFInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(sessionID, ts))) {
		return ErrCSRFInvalid
	}
	if c.now().Sub(time.Unix(ts, 0)) > c.maxAge {
		return ErrCSRFExpired
	}
	return nil
}

func (c *CSRF) sign(sessionID string, ts int64) string {
	h := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(h, "%s.%d", sessionID, ts)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Protect rejects unsafe requests without a valid token for the session that
// sessionID reports. Requests for which sessionID returns "" pass through
// (bearer-token clients are not exposed to CSRF).
func (c *CSRF) Protect(sessionID func(*http.Request) string, onFail func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			id := sessionID(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := c.Validate(id, r.Header.Get(CSRFHeader)); err != nil {
				onFail(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
