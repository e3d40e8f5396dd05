// Package metrics provides Prometheus instrumentation for the clearing
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
	// TradesCleared counts matched trades applied to the position book.
	TradesCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearing_trades_cleared_total",
		Help: "Matched trades accepted and applied",
	})

	// TradesRejected counts trade rejections by reason.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_trades_rejected_total",
		Help: "Matched trades rejected, by reason",
	}, []string{"reason"})

	// Settlements counts series settlements by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_settlements_total",
		Help: "Series settled, by outcome",
	}, []string{"outcome"})

	// Deposits counts collateral deposits by asset.
	Deposits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_deposits_total",
		Help: "Collateral deposits, by asset",
	}, []string{"asset"})

	// Withdrawals counts collateral withdrawals by asset.
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_withdrawals_total",
		Help: "Collateral withdrawals, by asset",
	}, []string{"asset"})

	// ProofsIssued counts position-transfer proofs issued.
	ProofsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearing_transfer_proofs_issued_total",
		Help: "Position transfer proofs issued",
	})

	// ProofsResolved counts proofs leaving the issued state.
	ProofsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_transfer_proofs_resolved_total",
		Help: "Position transfer proofs consumed or voided",
	}, []string{"state"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearing_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clearing_http_request_duration_seconds",
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

		// Use the raw path for the label; the route surface is small and
		// identifiers are low-cardinality principals and series IDs.
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
