package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the safetyd surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Engine metrics: one counter family per decision surface so dashboards can
// alert on denial spikes without parsing the audit stream.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_authorization_decisions_total",
			Help: "Deletion authorization decisions by scope and outcome.",
		},
		[]string{"scope", "outcome"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_rate_limit_denials_total",
			Help: "Rate limiter denials by category.",
		},
		[]string{"category"},
	)

	remoteRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_remote_retries_total",
			Help: "Retried calls against the cascade engine by endpoint.",
		},
		[]string{"endpoint"},
	)

	batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_batch_items_total",
			Help: "Batch deletion item outcomes.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authzDecisions, rateLimitDenials, remoteRetries, batchItems,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthorization counts one authorization decision.
func ObserveAuthorization(scope, outcome string) {
	authzDecisions.WithLabelValues(scope, outcome).Inc()
}

// ObserveRateLimitDenial counts one rate limiter denial.
func ObserveRateLimitDenial(category string) {
	rateLimitDenials.WithLabelValues(category).Inc()
}

// ObserveRemoteRetry counts one retry against the cascade engine.
func ObserveRemoteRetry(endpoint string) {
	remoteRetries.WithLabelValues(endpoint).Inc()
}

// ObserveBatchItem counts one batch item outcome (succeeded/failed/skipped).
func ObserveBatchItem(outcome string) {
	batchItems.WithLabelValues(outcome).Inc()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
