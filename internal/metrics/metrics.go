// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// OrdersSubmitted counts accepted order submissions, partitioned by side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_submitted_total",
		Help: "Total number of orders accepted",
	}, []string{"side"})

	// ValidationRejections counts submissions rejected before any mutation.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_validation_rejections_total",
		Help: "Order submissions rejected by pre-trade validation",
	}, []string{"reason"})

	// FillsTotal counts settled fills.
	FillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_fills_total",
		Help: "Total number of fills settled",
	})

	// FillVolume accumulates settled share volume.
	FillVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_fill_volume_total",
		Help: "Cumulative fill volume in shares",
	})

	// SubmitLatency tracks end-to-end submission latency including matching.
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_submit_latency_seconds",
		Help:    "Order submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// RankingRecomputes counts leaderboard rebuild runs.
	RankingRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_ranking_recomputes_total",
		Help: "Leaderboard recompute runs",
	})

	// RankingDuration tracks how long a full leaderboard rebuild takes.
	RankingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_ranking_recompute_seconds",
		Help:    "Leaderboard recompute duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
