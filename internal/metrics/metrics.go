// Package metrics provides Prometheus instrumentation for the copy engine.
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
	// SettlementsTotal counts completed settlement operations by trigger
	// (stop, market_disable, leader_delete, allocate).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyengine_settlements_total",
		Help: "Total number of completed settlement operations",
	}, []string{"trigger"})

	// SettlementFailures counts settlement operations that rolled back.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyengine_settlement_failures_total",
		Help: "Settlement operations that failed and rolled back",
	}, []string{"trigger"})

	// RefundedTotal tracks cumulative refunded amounts per currency.
	RefundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyengine_refunded_total",
		Help: "Cumulative amount returned to ECO wallets",
	}, []string{"currency"})

	// StatsCacheHits counts statistics served from cache, by entity kind.
	StatsCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyengine_stats_cache_hits_total",
		Help: "Statistics reads served from cache",
	}, []string{"kind"})

	// StatsCacheMisses counts statistics recomputed from the ledger.
	StatsCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyengine_stats_cache_misses_total",
		Help: "Statistics reads recomputed from the trade ledger",
	}, []string{"kind"})

	// WebSocketClients tracks connected event stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copyengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copyengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// AllocationLimitRejections counts allocations rejected by the limiter.
	AllocationLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyengine_allocation_limit_rejections_total",
		Help: "Allocations rejected by the allocation limiter",
	})
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

		// Use the raw path for the label; routes here are low cardinality.
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
