package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"unlock-server/internal/util"
)

type logCtxKey struct{}

// setupLogger installs the JSON logger used by the server and the workers.
// Unknown levels fall back to info.
func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
	slog.Info("logger ready", "level", lvl.String())
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// requestLogger returns the logger bound to the request: request id, and once
// withSession ran, the session and a pubkey prefix.
func requestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(logCtxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withLogAttrs(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, logCtxKey{}, requestLogger(ctx).With(args...))
}

// withSessionLog tags the request logger with the session it resolved to.
// Bearer sessions are keyed by pubkey, so only cookie session ids are logged
// in full.
func withSessionLog(r *http.Request, sessionID, pubkey string) *http.Request {
	args := []any{"session", util.Prefix(sessionID, 20)}
	if pubkey != "" {
		args = append(args, "pubkey", util.Prefix(pubkey, 12))
	}
	return r.WithContext(withLogAttrs(r.Context(), args...))
}

// accessLog assigns each request an X-Request-ID, logs its outcome and feeds
// the HTTP metrics. Health checks and scrapes are not logged.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		id := newRequestID()
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(withLogAttrs(r.Context(), "request_id", id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := requestLogger(r.Context())
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case rec.status >= 500:
			log.Error("request failed", attrs...)
		case rec.status >= 400:
			log.Warn("request rejected", attrs...)
		default:
			log.Debug("request served", attrs...)
		}
		recordHTTPRequest(r.Method, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
