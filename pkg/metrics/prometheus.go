// Package metrics provides Prometheus metrics for the patient simulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the simulator.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Conversation metrics
	turns            *prometheus.CounterVec
	turnLatency      prometheus.Histogram
	modelAttempts    *prometheus.CounterVec
	modelLatency     prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	contextTokens    prometheus.Histogram
	groundingFacts   prometheus.Histogram

	// Safety metrics
	riskEvents    *prometheus.CounterVec
	riskDegraded  *prometheus.CounterVec
	riskScanTime  prometheus.Histogram
	criticalAlert *prometheus.CounterVec

	// Session lifecycle
	sessions       *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	evaluations    prometheus.Counter
	overallScore   prometheus.Histogram

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	duplicateRequests   prometheus.Counter

	// Queue / worker metrics
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueue     prometheus.Counter
	queueDequeue     prometheus.Counter
	queueErrors      prometheus.Counter
	workerCount      prometheus.Gauge
	workerLatency    prometheus.Histogram
	workerErrors     prometheus.Counter

	// Store metrics
	storeLatency *prometheus.HistogramVec
	storeRecords *prometheus.GaugeVec

	// Error tracking
	errorsByComponent *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "patientsim",
		subsystem:        "engine",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	if buckets == nil {
		buckets = m.histogramBuckets
	}
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.turns = auto.NewCounterVec(m.counterOpts("turns_total", "Turns by outcome (committed, model_unavailable, aborted, rejected)"), []string{"outcome"})
	m.turnLatency = auto.NewHistogram(m.histogramOpts("turn_latency_milliseconds", "End-to-end turn latency in milliseconds", nil))
	m.modelAttempts = auto.NewCounterVec(m.counterOpts("model_attempts_total", "Model invocation attempts by result"), []string{"result"})
	m.modelLatency = auto.NewHistogram(m.histogramOpts("model_latency_milliseconds", "Single model attempt latency in milliseconds", nil))
	m.stateTransitions = auto.NewCounterVec(m.counterOpts("state_transitions_total", "Hidden state transitions taken"), []string{"case", "from", "to"})
	m.contextTokens = auto.NewHistogram(m.histogramOpts("context_tokens", "Token count of assembled generation requests",
		[]float64{128, 256, 512, 1024, 2048, 4096, 8192}))
	m.groundingFacts = auto.NewHistogram(m.histogramOpts("grounding_facts", "Grounding facts injected per turn",
		[]float64{0, 1, 2, 3, 4, 6, 8, 12}))

	m.riskEvents = auto.NewCounterVec(m.counterOpts("risk_events_total", "Risk events by severity and source"), []string{"severity", "source"})
	m.riskDegraded = auto.NewCounterVec(m.counterOpts("risk_rule_degraded_total", "Risk rule evaluations that failed"), []string{"rule"})
	m.riskScanTime = auto.NewHistogram(m.histogramOpts("risk_scan_milliseconds", "Risk scan latency in milliseconds",
		[]float64{0.1, 0.5, 1, 5, 10, 50, 100, 500}))
	m.criticalAlert = auto.NewCounterVec(m.counterOpts("critical_alerts_total", "Critical alerts signalled by delivery result"), []string{"result"})

	m.sessions = auto.NewCounterVec(m.counterOpts("sessions_total", "Session lifecycle transitions by status"), []string{"status"})
	m.sessionsActive = auto.NewGauge(m.gaugeOpts("sessions_active", "Sessions currently active"))
	m.evaluations = auto.NewCounter(m.counterOpts("evaluations_total", "Evaluation reports produced"))
	m.overallScore = auto.NewHistogram(m.histogramOpts("evaluation_overall_percent", "Overall evaluation score as a percentage of maximum",
		[]float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds", nil),
		[]string{"endpoint", "method", "status_code"})
	m.duplicateRequests = auto.NewCounter(m.counterOpts("duplicate_requests_total", "Submissions rejected by idempotency key"))

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Current size of the report notification queue"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Capacity of the report notification queue"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("queue_utilization_ratio", "Queue size divided by capacity"))
	m.queueEnqueue = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Jobs enqueued"))
	m.queueDequeue = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Jobs dequeued"))
	m.queueErrors = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total", "Jobs rejected by the queue"))
	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count", "Report workers running"))
	m.workerLatency = auto.NewHistogram(m.histogramOpts("worker_processing_latency_milliseconds", "Report job processing latency in milliseconds", nil))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total", "Report jobs that failed"))

	m.storeLatency = auto.NewHistogramVec(m.histogramOpts("store_operation_latency_milliseconds", "Session store operation latency in milliseconds",
		[]float64{0.01, 0.1, 0.5, 1, 5, 10, 50, 100, 500}), []string{"operation"})
	m.storeRecords = auto.NewGaugeVec(m.gaugeOpts("store_records", "Records held by the session store"), []string{"kind"})

	m.errorsByComponent = auto.NewCounterVec(m.counterOpts("errors_by_component_total", "Errors by component and type"), []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "System memory usage in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}))
}

// RecordTurn increments the turn counter for an outcome.
func RecordTurn(outcome string) {
	globalManager.turns.WithLabelValues(outcome).Inc()
}

// RecordTurnLatency records end-to-end turn latency in milliseconds.
func RecordTurnLatency(latencyMs float64) {
	globalManager.turnLatency.Observe(latencyMs)
}

// RecordModelAttempt counts one model attempt by result (ok, timeout, rate_limited, blocked, error).
func RecordModelAttempt(result string) {
	globalManager.modelAttempts.WithLabelValues(result).Inc()
}

// RecordModelLatency records the latency of one model attempt.
func RecordModelLatency(latencyMs float64) {
	globalManager.modelLatency.Observe(latencyMs)
}

// RecordStateTransition counts a transition between hidden states.
func RecordStateTransition(caseID, from, to string) {
	globalManager.stateTransitions.WithLabelValues(caseID, from, to).Inc()
}

// RecordContextTokens records the size of an assembled generation request.
func RecordContextTokens(tokens int) {
	globalManager.contextTokens.Observe(float64(tokens))
}

// RecordGroundingFacts records how many facts were injected in a turn.
func RecordGroundingFacts(n int) {
	globalManager.groundingFacts.Observe(float64(n))
}

// RecordRiskEvent counts a risk event.
func RecordRiskEvent(severity, source string) {
	globalManager.riskEvents.WithLabelValues(severity, source).Inc()
}

// RecordRiskDegraded counts a rule evaluation failure.
func RecordRiskDegraded(rule string) {
	globalManager.riskDegraded.WithLabelValues(rule).Inc()
}

// RecordRiskScanLatency records the duration of one scan.
func RecordRiskScanLatency(latencyMs float64) {
	globalManager.riskScanTime.Observe(latencyMs)
}

// RecordCriticalAlert counts a critical alert delivery attempt.
func RecordCriticalAlert(result string) {
	globalManager.criticalAlert.WithLabelValues(result).Inc()
}

// RecordSession counts a session lifecycle transition.
func RecordSession(status string) {
	globalManager.sessions.WithLabelValues(status).Inc()
}

// UpdateSessionsActive sets the number of active sessions.
func UpdateSessionsActive(n int) {
	globalManager.sessionsActive.Set(float64(n))
}

// RecordEvaluation records a produced report and its overall percentage.
func RecordEvaluation(overallPercent float64) {
	globalManager.evaluations.Inc()
	globalManager.overallScore.Observe(overallPercent)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordDuplicateRequest counts a submission rejected by idempotency key.
func RecordDuplicateRequest() {
	globalManager.duplicateRequests.Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue counts an accepted job.
func RecordQueueEnqueue() {
	globalManager.queueEnqueue.Inc()
}

// RecordQueueDequeue counts a dequeued job.
func RecordQueueDequeue() {
	globalManager.queueDequeue.Inc()
}

// RecordQueueEnqueueError counts a rejected job.
func RecordQueueEnqueueError() {
	globalManager.queueErrors.Inc()
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records job processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed job.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordStoreLatency records the latency of one store operation in milliseconds.
func RecordStoreLatency(operation string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(latencyMs)
}

// UpdateStoreRecords sets the number of stored records of a kind (sessions, reports).
func UpdateStoreRecords(kind string, n int) {
	globalManager.storeRecords.WithLabelValues(kind).Set(float64(n))
}

// RecordErrorByComponent records an error for a component.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
