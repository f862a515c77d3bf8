// Package metrics provides Prometheus instrumentation for the exchange core.
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
	// OrdersTotal counts accepted orders, partitioned by side and type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "type"})

	// OrderRejections counts rejected operations by error kind.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_order_rejections_total",
		Help: "Orders and trades rejected, by error kind",
	}, []string{"kind"})

	// TradesTotal counts executed fills, partitioned by venue (book or amm).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_trades_total",
		Help: "Total number of fills executed",
	}, []string{"venue"})

	// TradeVolume tracks cumulative fill volume in shares per event.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_trade_volume_total",
		Help: "Cumulative fill volume in shares",
	}, []string{"event_id", "venue"})

	// ResolutionTransitions counts lifecycle transitions by target state.
	ResolutionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_resolution_transitions_total",
		Help: "Event lifecycle transitions",
	}, []string{"state"})

	// LockContention counts bounded-wait lock acquisitions that timed out.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predyx_lock_contention_total",
		Help: "Lock acquisitions abandoned after the bounded wait",
	})

	// RiskLimitRejections counts trades rejected by the risk limiter.
	RiskLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predyx_risk_limit_rejections_total",
		Help: "Trades rejected by the risk limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predyx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predyx_http_request_duration_seconds",
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
