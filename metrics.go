package servalsheets

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exposes Prometheus metrics for the orchestration
// pipeline: request outcomes, cache effectiveness per tier, deduplication,
// admission waits, batch flushes, breaker state and retries. Safe for
// concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses prometheus.Counter
	cacheSize   prometheus.Gauge

	dedupAttached prometheus.Counter

	rateLimitWait *prometheus.HistogramVec
	limiterTokens *prometheus.GaugeVec

	batchFlushSize prometheus.Histogram
	batchWindow    prometheus.Gauge

	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	retriesTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector registers on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry registers on the supplied registerer,
// which tests use to keep collectors isolated.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "servalsheets_requests_total",
				Help: "Total number of operations processed",
			},
			[]string{"kind", "class", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "servalsheets_request_duration_seconds",
				Help:    "End-to-end operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "class"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "servalsheets_requests_in_flight",
				Help: "Number of operations currently in the pipeline",
			},
			[]string{"class"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "servalsheets_cache_hits_total",
				Help: "Total number of cache hits by serving tier",
			},
			[]string{"tier"},
		),
		cacheMisses: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "servalsheets_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "servalsheets_cache_entries",
				Help: "Current number of entries in the local cache tier",
			},
		),
		dedupAttached: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "servalsheets_dedup_attached_total",
				Help: "Total number of callers attached to an in-flight call",
			},
		),
		rateLimitWait: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "servalsheets_rate_limit_wait_seconds",
				Help:    "Time spent waiting for admission tokens",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"class"},
		),
		limiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "servalsheets_rate_limiter_tokens",
				Help: "Current number of available admission tokens",
			},
			[]string{"class"},
		),
		batchFlushSize: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "servalsheets_batch_flush_size",
				Help:    "Number of operations merged per batch flush",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		batchWindow: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "servalsheets_batch_window_seconds",
				Help: "Current adaptive batch window size",
			},
		),
		breakerState: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "servalsheets_circuit_breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		breakerTransitions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "servalsheets_circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
		retriesTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "servalsheets_retries_total",
				Help: "Total number of upstream retry attempts",
			},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "servalsheets_errors_total",
				Help: "Total number of errors by type and stage",
			},
			[]string{"type", "stage"},
		),
	}
}

func (mc *MetricsCollector) RecordRequestStart(class OperationClass) {
	mc.requestsInFlight.WithLabelValues(string(class)).Inc()
}

func (mc *MetricsCollector) RecordRequestEnd(class OperationClass) {
	mc.requestsInFlight.WithLabelValues(string(class)).Dec()
}

func (mc *MetricsCollector) RecordRequest(kind OperationKind, class OperationClass, outcome string, duration time.Duration) {
	mc.requestsTotal.WithLabelValues(string(kind), string(class), outcome).Inc()
	mc.requestDuration.WithLabelValues(string(kind), string(class)).Observe(duration.Seconds())
}

func (mc *MetricsCollector) RecordCacheHit(tier CacheTier) {
	mc.cacheHits.WithLabelValues(string(tier)).Inc()
}

func (mc *MetricsCollector) RecordCacheMiss() {
	mc.cacheMisses.Inc()
}

func (mc *MetricsCollector) RecordCacheSize(n int) {
	mc.cacheSize.Set(float64(n))
}

func (mc *MetricsCollector) RecordDedupAttach() {
	mc.dedupAttached.Inc()
}

func (mc *MetricsCollector) RecordRateLimitWait(class OperationClass, waited time.Duration) {
	mc.rateLimitWait.WithLabelValues(string(class)).Observe(waited.Seconds())
}

func (mc *MetricsCollector) RecordLimiterTokens(class OperationClass, tokens float64) {
	mc.limiterTokens.WithLabelValues(string(class)).Set(tokens)
}

func (mc *MetricsCollector) RecordBatchFlush(size int, window time.Duration) {
	mc.batchFlushSize.Observe(float64(size))
	mc.batchWindow.Set(window.Seconds())
}

func (mc *MetricsCollector) RecordBreakerState(state CircuitState) {
	mc.breakerState.Set(float64(state))
}

func (mc *MetricsCollector) RecordBreakerTransition(from, to CircuitState) {
	mc.breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (mc *MetricsCollector) RecordRetry(attempt int) {
	mc.retriesTotal.Inc()
}

func (mc *MetricsCollector) RecordError(errType, stage string) {
	mc.errorsTotal.WithLabelValues(errType, stage).Inc()
}
