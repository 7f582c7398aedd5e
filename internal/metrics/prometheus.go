package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors exported by briefly.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Cache core
	cacheOps          *prometheus.CounterVec
	fetchTotal        *prometheus.CounterVec
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	producerDuration  *prometheus.HistogramVec

	// Edges
	rateLimitDecisions *prometheus.CounterVec
	aiRequests         *prometheus.CounterVec
}

// Default histogram buckets for producer duration (in milliseconds). The
// producer is usually a remote generation call, so the tail is long.
var defaultBuckets = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics atomic.Pointer[PrometheusMetrics]

// InitPrometheus initializes the Prometheus metrics subsystem. Calling it
// again replaces the previous registry.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Cache store primitive calls by operation and outcome",
			},
			[]string{"op", "status"},
		),

		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_fetch_total",
				Help:      "Compute-or-fetch calls by result (hit, miss, producer_error, shared)",
			},
			[]string{"result"},
		),

		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_connection_state",
				Help:      "Cache store connection state (0=disconnected 1=connecting 2=ready 3=reconnecting 4=failed)",
			},
		),

		reconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_reconnect_attempts_total",
				Help:      "Reconnection attempts made against the cache store",
			},
		),

		producerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "producer_duration_milliseconds",
				Help:      "Duration of producer calls made on cache misses",
				Buckets:   buckets,
			},
			[]string{"namespace"},
		),

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions by tier",
			},
			[]string{"tier", "decision"},
		),

		aiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_requests_total",
				Help:      "Generation requests by outcome",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		pm.cacheOps,
		pm.fetchTotal,
		pm.connectionState,
		pm.reconnectAttempts,
		pm.producerDuration,
		pm.rateLimitDecisions,
		pm.aiRequests,
	)

	promMetrics.Store(pm)
}

// Handler returns the HTTP handler serving the registry. Before
// InitPrometheus it serves 503.
func Handler() http.Handler {
	pm := promMetrics.Load()
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, or nil before InitPrometheus.
func Registry() *prometheus.Registry {
	pm := promMetrics.Load()
	if pm == nil {
		return nil
	}
	return pm.registry
}

// RecordCacheOp counts one cache primitive call.
func RecordCacheOp(op, status string) {
	if pm := promMetrics.Load(); pm != nil {
		pm.cacheOps.WithLabelValues(op, status).Inc()
	}
}

// RecordFetch counts one compute-or-fetch result.
func RecordFetch(result string) {
	if pm := promMetrics.Load(); pm != nil {
		pm.fetchTotal.WithLabelValues(result).Inc()
	}
}

// SetConnectionState publishes the numeric connection state.
func SetConnectionState(state int) {
	if pm := promMetrics.Load(); pm != nil {
		pm.connectionState.Set(float64(state))
	}
}

// RecordReconnectAttempt counts one reconnection attempt.
func RecordReconnectAttempt() {
	if pm := promMetrics.Load(); pm != nil {
		pm.reconnectAttempts.Inc()
	}
}

// ObserveProducer records how long a producer ran for the given namespace.
func ObserveProducer(namespace string, d time.Duration) {
	if pm := promMetrics.Load(); pm != nil {
		pm.producerDuration.WithLabelValues(namespace).Observe(float64(d.Microseconds()) / 1000)
	}
}

// RecordRateLimit counts one limiter decision.
func RecordRateLimit(tier string, allowed bool) {
	if pm := promMetrics.Load(); pm != nil {
		decision := "allowed"
		if !allowed {
			decision = "limited"
		}
		pm.rateLimitDecisions.WithLabelValues(tier, decision).Inc()
	}
}

// RecordAIRequest counts one generation request by HTTP status (0 for
// transport errors and breaker rejections).
func RecordAIRequest(status int) {
	if pm := promMetrics.Load(); pm != nil {
		pm.aiRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}
