// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TicksTotal counts per-instrument price-update steps.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_ticks_total",
		Help: "Total number of instrument price ticks applied",
	})

	// SnapshotWritesTotal counts persisted price snapshot rows.
	SnapshotWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_snapshot_writes_total",
		Help: "Total number of price snapshot rows written",
	})

	// TradesTotal counts settled trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trades_total",
		Help: "Total number of trades settled",
	}, []string{"side"})

	// TradeFailuresTotal counts settlement failures by reason.
	TradeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trade_failures_total",
		Help: "Total number of failed settlement attempts",
	}, []string{"reason"})

	// PendingIntents tracks trades currently held in the deferred queue.
	PendingIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksim_pending_intents",
		Help: "Number of deferred trade intents awaiting maturity",
	})

	// CancelledIntentsTotal counts intents cancelled before maturity.
	CancelledIntentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_cancelled_intents_total",
		Help: "Deferred trade intents cancelled before settlement",
	})

	// WalletOpsTotal counts deposits and withdrawals.
	WalletOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_wallet_ops_total",
		Help: "Total wallet deposit/withdraw operations",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocksim_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
