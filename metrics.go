package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unlock-server/internal/decrypt"
	"unlock-server/internal/lessons"
	"unlock-server/internal/payments"
)

var serverStartTime = time.Now()

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlock_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "code"})
	httpErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unlock_http_errors_total",
		Help: "HTTP requests answered with a 5xx status.",
	})
)

// Unlock pipeline metrics
var (
	decryptCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlock_decrypt_calls_total",
		Help: "Decrypt calls by outcome (cache_hit, success, error, in_flight).",
	}, []string{"outcome"})
	lessonStatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlock_lesson_state_changes_total",
		Help: "Lesson state transitions by resulting state.",
	}, []string{"state"})
	invoiceFlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlock_invoice_flows_total",
		Help: "Invoice flows by kind and outcome.",
	}, []string{"kind", "outcome"})
	subscriptionFlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlock_subscription_flows_total",
		Help: "Subscription flows by path and outcome.",
	}, []string{"path", "outcome"})
)

// Session metrics
var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unlock_sessions_active",
		Help: "Session runtimes currently held in memory.",
	})
	userCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlock_user_cache_total",
		Help: "User snapshot lookups by result (hit, miss).",
	}, []string{"result"})
)

func init() {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "unlock_process_start_time_seconds",
		Help: "Unix timestamp of process start.",
	}, func() float64 { return float64(serverStartTime.Unix()) })
}

func observeDecrypt(o decrypt.Outcome) {
	decryptCallsTotal.WithLabelValues(string(o)).Inc()
}

func observeLessonState(_ string, st lessons.State) {
	lessonStatesTotal.WithLabelValues(string(st)).Inc()
}

func observeInvoiceFlow(kind payments.Kind, outcome string) {
	invoiceFlowsTotal.WithLabelValues(string(kind), outcome).Inc()
}

func observeSubscriptionFlow(path, outcome string) {
	subscriptionFlowsTotal.WithLabelValues(path, outcome).Inc()
}

func recordHTTPRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrorsTotal.Inc()
	}
}

// metricsHandler serves Prometheus metrics
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
