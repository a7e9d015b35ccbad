// Package metrics provides Prometheus instrumentation for the triangle
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PlacementsTotal counts position assignments, partitioned by plan
	// tier and whether a referral code drove the placement.
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigon_placements_total",
		Help: "Total positions assigned",
	}, []string{"plan", "referred"})

	// DepositDecisionsTotal counts admin deposit decisions by outcome.
	DepositDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigon_deposit_decisions_total",
		Help: "Admin deposit decisions",
	}, []string{"outcome"})

	// PayoutDecisionsTotal counts admin payout decisions by outcome.
	PayoutDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigon_payout_decisions_total",
		Help: "Admin payout decisions",
	}, []string{"outcome"})

	// FormationsCompleted counts FILLING→COMPLETE transitions.
	FormationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigon_formations_completed_total",
		Help: "Formations reaching all 15 paid positions",
	}, []string{"plan"})

	// SplitsTotal counts completed formation splits.
	SplitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigon_splits_total",
		Help: "Cycled formations split into successors",
	}, []string{"plan"})

	// ConsistencyViolations counts quarantined aggregates. Any non-zero
	// value is an operator alert.
	ConsistencyViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trigon_consistency_violations_total",
		Help: "Aggregates halted after a detected consistency violation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trigon_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trigon_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
