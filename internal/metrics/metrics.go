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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	envelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_published_total",
			Help: "Envelopes written to priority sub-queues by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	envelopesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_forwarded_total",
			Help: "Envelopes moved from a sub-queue to the channel main queue",
		},
		[]string{"channel", "source"},
	)

	admissionsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admissions_denied_total",
			Help: "Forward attempts denied by the rate limiter",
		},
		[]string{"channel"},
	)

	backoffSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_backoff_seconds",
			Help:    "Time the dispatcher slept after a denied admission",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	envelopesRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_requeued_total",
			Help: "Reserved envelopes returned to their sub-queue",
		},
		[]string{"channel", "reason"},
	)

	envelopesLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_lost_total",
			Help: "Reserved envelopes that could neither be forwarded nor requeued",
		},
		[]string{"channel"},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_errors_total",
			Help: "Queue store failures by channel and operation",
		},
		[]string{"channel", "op"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Current length of a sub-queue or main queue",
		},
		[]string{"queue"},
	)

	deliveriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Envelopes handled by delivery workers by status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Provider call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_request_rate_limit_rejections_total",
			Help: "Gateway requests rejected by the request limiter",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnvelopePublished records a producer write to a sub-queue
func RecordEnvelopePublished(channel string, priority int) {
	envelopesPublished.WithLabelValues(channel, strconv.Itoa(priority)).Inc()
}

// RecordForwarded records a dispatcher forward into a main queue
func RecordForwarded(channel, source string) {
	envelopesForwarded.WithLabelValues(channel, source).Inc()
}

// RecordAdmissionDenied records a denied admission check
func RecordAdmissionDenied(channel string) {
	admissionsDenied.WithLabelValues(channel).Inc()
}

// RecordBackoff records a dispatcher backoff sleep
func RecordBackoff(channel string, d time.Duration) {
	backoffSeconds.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordRequeued records a reservation returned to its sub-queue
func RecordRequeued(channel, reason string) {
	envelopesRequeued.WithLabelValues(channel, reason).Inc()
}

// RecordLost records an envelope that could not be forwarded or requeued
func RecordLost(channel string) {
	envelopesLost.WithLabelValues(channel).Inc()
}

// RecordStoreError records a failed queue store operation
func RecordStoreError(channel, op string) {
	storeErrors.WithLabelValues(channel, op).Inc()
}

// SetQueueDepth sets the sampled length of a queue
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDelivery records the outcome of a delivery attempt
func RecordDelivery(channel, status string) {
	deliveriesProcessed.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records provider call time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a gateway request limiter rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetCircuitState sets the current state of a named circuit breaker
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
