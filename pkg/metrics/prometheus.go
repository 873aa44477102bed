// Package metrics provides Prometheus metrics for the klyro ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the pipeline.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Job metrics
	jobsEnqueued  prometheus.Counter
	jobsProcessed *prometheus.CounterVec
	jobsRetried   prometheus.Counter
	jobsDropped   prometheus.Counter
	jobLatency    prometheus.Histogram

	// Queue metrics
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueueErrs prometheus.Counter
	queueDequeued    prometheus.Counter

	// Worker metrics
	workerCount       prometheus.Gauge
	workerActiveCount prometheus.Gauge

	// Domain fetch metrics
	domainFetches       *prometheus.CounterVec
	domainFetchDuration *prometheus.HistogramVec
	orchestrationRuns   *prometheus.CounterVec

	// External call metrics
	externalAttempts    *prometheus.CounterVec
	syntheticFallbacks  *prometheus.CounterVec
	priceCacheFallbacks *prometheus.CounterVec
	badgeSourceFailures *prometheus.CounterVec

	// Scoring metrics
	scoresComputed  prometheus.Counter
	scoringErrors   prometheus.Counter
	scoringLatency  prometheus.Histogram
	gateEvaluations *prometheus.CounterVec

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithRegisterer(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "klyro",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.customLabels)

	counter := func(name, help string) prometheus.Counter {
		return auto.NewCounter(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
		})
	}
	counterVec := func(name, help string, lv ...string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
		}, lv)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return auto.NewGauge(prometheus.GaugeOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
		})
	}
	histogram := func(name, help string) prometheus.Histogram {
		return auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
			Buckets: m.histogramBuckets,
		})
	}
	histogramVec := func(name, help string, lv ...string) *prometheus.HistogramVec {
		return auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: labels,
			Buckets: m.histogramBuckets,
		}, lv)
	}

	m.jobsEnqueued = counter("jobs_enqueued_total", "Total number of ingestion jobs enqueued")
	m.jobsProcessed = counterVec("jobs_processed_total", "Total number of ingestion jobs processed by outcome", "outcome")
	m.jobsRetried = counter("jobs_retried_total", "Total number of ingestion jobs re-enqueued for retry")
	m.jobsDropped = counter("jobs_dropped_total", "Total number of ingestion jobs dropped after exhausting attempts")
	m.jobLatency = histogram("job_latency_seconds", "Ingestion job processing latency in seconds")

	m.queueSize = gauge("queue_size", "Current size of the job queue (backlog indicator)")
	m.queueCapacity = gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = gauge("queue_utilization_ratio", "Queue utilization ratio (current size / capacity)")
	m.queueEnqueueErrs = counter("queue_enqueue_errors_total", "Total number of enqueue errors")
	m.queueDequeued = counter("queue_dequeue_total", "Total number of jobs dequeued")

	m.workerCount = gauge("worker_count", "Configured number of job workers")
	m.workerActiveCount = gauge("worker_active_count", "Number of workers currently processing a job")

	m.domainFetches = counterVec("domain_fetch_total", "Domain fetches by domain and resulting status", "domain", "status")
	m.domainFetchDuration = histogramVec("domain_fetch_duration_seconds", "Domain fetch duration in seconds", "domain")
	m.orchestrationRuns = counterVec("orchestration_runs_total", "Orchestrator runs by final aggregate status", "status")

	m.externalAttempts = counterVec("external_call_attempts_total", "External call attempts by operation and outcome", "operation", "outcome")
	m.syntheticFallbacks = counterVec("synthetic_fallbacks_total", "Synthetic substitutions made after exhausted retries", "operation")
	m.priceCacheFallbacks = counterVec("price_cache_fallbacks_total", "Price lookups served from expired cache or zero", "kind")
	m.badgeSourceFailures = counterVec("badge_source_failures_total", "Badge source lookups degraded to empty", "source")

	m.scoresComputed = counter("scores_computed_total", "Total number of score and worth computations")
	m.scoringErrors = counter("scoring_errors_total", "Total number of scoring pass failures")
	m.scoringLatency = histogram("scoring_latency_seconds", "Scoring pass latency in seconds")
	m.gateEvaluations = counterVec("gate_evaluations_total", "Gate evaluations by gate and result", "gate", "result")

	m.httpRequests = counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
	m.errorRateByEndpoint = counterVec("errors_by_endpoint_total", "Total number of errors by endpoint", "endpoint", "method", "error_type")
}

// RecordJobEnqueued increments the enqueued jobs counter.
func RecordJobEnqueued() {
	globalManager.jobsEnqueued.Inc()
}

// RecordJobProcessed records a processed job with its outcome (ok, failed).
func RecordJobProcessed(outcome string, latency time.Duration) {
	globalManager.jobsProcessed.WithLabelValues(outcome).Inc()
	globalManager.jobLatency.Observe(latency.Seconds())
}

// RecordJobRetried increments the retried jobs counter.
func RecordJobRetried() {
	globalManager.jobsRetried.Inc()
}

// RecordJobDropped increments the dropped jobs counter.
func RecordJobDropped() {
	globalManager.jobsDropped.Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrs.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// AddWorkerActive adjusts the number of busy workers by delta.
func AddWorkerActive(delta int) {
	globalManager.workerActiveCount.Add(float64(delta))
}

// RecordDomainFetch records the outcome and duration of one domain fetch.
func RecordDomainFetch(domain, status string, d time.Duration) {
	globalManager.domainFetches.WithLabelValues(domain, status).Inc()
	globalManager.domainFetchDuration.WithLabelValues(domain).Observe(d.Seconds())
}

// RecordOrchestration records the final aggregate status of an orchestrator run.
func RecordOrchestration(status string) {
	globalManager.orchestrationRuns.WithLabelValues(status).Inc()
}

// RecordExternalAttempt records a single external call attempt (ok, retry, exhausted).
func RecordExternalAttempt(operation, outcome string) {
	globalManager.externalAttempts.WithLabelValues(operation, outcome).Inc()
}

// RecordSyntheticFallback records a synthetic value substitution.
func RecordSyntheticFallback(operation string) {
	globalManager.syntheticFallbacks.WithLabelValues(operation).Inc()
}

// RecordPriceFallback records a price served from an expired entry ("stale") or as zero ("zero").
func RecordPriceFallback(kind string) {
	globalManager.priceCacheFallbacks.WithLabelValues(kind).Inc()
}

// RecordBadgeSourceFailure records a badge source that degraded to empty.
func RecordBadgeSourceFailure(source string) {
	globalManager.badgeSourceFailures.WithLabelValues(source).Inc()
}

// RecordScoreComputed increments the score computation counter and observes latency.
func RecordScoreComputed(latency time.Duration) {
	globalManager.scoresComputed.Inc()
	globalManager.scoringLatency.Observe(latency.Seconds())
}

// RecordScoringError increments the scoring errors counter.
func RecordScoringError() {
	globalManager.scoringErrors.Inc()
}

// RecordGateEvaluation records a gate verification result (pass, reject).
func RecordGateEvaluation(gate, result string) {
	globalManager.gateEvaluations.WithLabelValues(gate, result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
