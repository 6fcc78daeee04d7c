// Package metrics provides Prometheus metrics for the outreach priority service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	enabled          bool
	registry         prometheus.Registerer

	// Aggregation pipeline
	recomputes        *prometheus.CounterVec
	recomputeErrors   *prometheus.CounterVec
	recomputeLatency  *prometheus.HistogramVec
	cellsAnomalous    prometheus.Gauge
	cellsInsufficient prometheus.Gauge
	metricsBacklog    prometheus.Gauge
	metricsAvgMinutes prometheus.Gauge

	// TTL reaper
	reaperRounds       prometheus.Counter
	reaperDeleted      prometheus.Counter
	reaperCellsTouched prometheus.Gauge
	reaperCapHits      prometheus.Counter

	// Rate limiter
	rateLimitDecisions *prometheus.CounterVec

	// Client mirror
	mirrorMode       prometheus.Gauge
	mirrorSnapshots  prometheus.Counter
	mirrorReadErrs   *prometheus.CounterVec
	mirrorReconnects prometheus.Counter

	// Change feed
	feedPublished   *prometheus.CounterVec
	feedPublishErrs *prometheus.CounterVec

	// Trigger substrate
	queueSize     prometheus.Gauge
	queueCapacity prometheus.Gauge
	queueRejected *prometheus.CounterVec
	workerCount   prometheus.Gauge
	workerLatency prometheus.Histogram
	workerErrors  prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByComponent   *prometheus.CounterVec

	// Process
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithRegisterer(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "outreach",
		subsystem:        "priority",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		constLabels:      prometheus.Labels{},
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.recomputes = m.counterVec("recomputes_total", "Cell and metrics recomputations by trigger and scope", "trigger", "scope")
	m.recomputeErrors = m.counterVec("recompute_errors_total", "Failed recomputations by scope", "scope")
	m.recomputeLatency = m.histogramVec("recompute_latency_milliseconds", "Recompute latency in milliseconds", "scope")
	m.cellsAnomalous = m.gauge("cells_anomalous", "Cells currently flagged as anomalous")
	m.cellsInsufficient = m.gauge("cells_data_insufficient", "Cells currently below the confidence threshold")
	m.metricsBacklog = m.gauge("backlog_signals", "Open signals without a response in their cell")
	m.metricsAvgMinutes = m.gauge("avg_response_minutes", "Average response time in minutes")

	m.reaperRounds = m.counter("reaper_rounds_total", "Batch delete rounds executed by the TTL reaper")
	m.reaperDeleted = m.counter("reaper_deleted_total", "Expired signals deleted by the TTL reaper")
	m.reaperCellsTouched = m.gauge("reaper_cells_touched", "Distinct cells refreshed by the last reaper run")
	m.reaperCapHits = m.counter("reaper_cap_hits_total", "Reaper runs stopped by the batch safety cap")

	m.rateLimitDecisions = m.counterVec("rate_limit_decisions_total", "Submission gate decisions", "decision")

	m.mirrorMode = m.gauge("mirror_degraded", "1 when the mirror serves seed data, 0 when live")
	m.mirrorSnapshots = m.counter("mirror_snapshots_total", "Snapshots recomputed by the mirror")
	m.mirrorReadErrs = m.counterVec("mirror_read_errors_total", "Mirror subscription errors by stream and class", "stream", "class")
	m.mirrorReconnects = m.counter("mirror_reconnects_total", "Background reconnect attempts of a degraded mirror")

	m.feedPublished = m.counterVec("feed_published_total", "Change notifications published", "collection")
	m.feedPublishErrs = m.counterVec("feed_publish_errors_total", "Change notifications that failed to publish", "collection")

	m.queueSize = m.gauge("trigger_queue_size", "Pending trigger invocations")
	m.queueCapacity = m.gauge("trigger_queue_capacity", "Trigger queue capacity")
	m.queueRejected = m.counterVec("trigger_queue_rejected_total", "Triggers rejected by the queue", "reason")
	m.workerCount = m.gauge("trigger_workers", "Trigger workers running")
	m.workerLatency = m.histogram("trigger_latency_milliseconds", "Trigger handling latency in milliseconds")
	m.workerErrors = m.counter("trigger_errors_total", "Trigger invocations that returned an error")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Goroutines running")
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

func on() bool { return globalManager != nil && globalManager.enabled }

// RecordRecompute counts one recomputation of the given scope ("cell", "all", "metrics").
func RecordRecompute(trigger, scope string, latencyMs float64) {
	if !on() {
		return
	}
	globalManager.recomputes.WithLabelValues(trigger, scope).Inc()
	globalManager.recomputeLatency.WithLabelValues(scope).Observe(latencyMs)
}

// RecordRecomputeError counts a failed recomputation.
func RecordRecomputeError(scope string) {
	if !on() {
		return
	}
	globalManager.recomputeErrors.WithLabelValues(scope).Inc()
}

// UpdateSurfaceFlags publishes how many cells are anomalous and data insufficient.
func UpdateSurfaceFlags(anomalous, insufficient int) {
	if !on() {
		return
	}
	globalManager.cellsAnomalous.Set(float64(anomalous))
	globalManager.cellsInsufficient.Set(float64(insufficient))
}

// UpdateResponseMetrics mirrors the metrics summary record.
func UpdateResponseMetrics(backlog, avgMinutes int) {
	if !on() {
		return
	}
	globalManager.metricsBacklog.Set(float64(backlog))
	globalManager.metricsAvgMinutes.Set(float64(avgMinutes))
}

// RecordReaperRound counts one batch delete round.
func RecordReaperRound(deleted int) {
	if !on() {
		return
	}
	globalManager.reaperRounds.Inc()
	globalManager.reaperDeleted.Add(float64(deleted))
}

// UpdateReaperCellsTouched records the distinct cells refreshed by a reaper run.
func UpdateReaperCellsTouched(n int) {
	if !on() {
		return
	}
	globalManager.reaperCellsTouched.Set(float64(n))
}

// RecordReaperCapHit counts a reaper run stopped by its safety cap.
func RecordReaperCapHit() {
	if !on() {
		return
	}
	globalManager.reaperCapHits.Inc()
}

// RecordRateLimit counts an allowed or blocked submission.
func RecordRateLimit(allowed bool) {
	if !on() {
		return
	}
	decision := "blocked"
	if allowed {
		decision = "allowed"
	}
	globalManager.rateLimitDecisions.WithLabelValues(decision).Inc()
}

// UpdateMirrorDegraded records the mirror mode.
func UpdateMirrorDegraded(degraded bool) {
	if !on() {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	globalManager.mirrorMode.Set(v)
}

// RecordMirrorSnapshot counts a snapshot recomputation.
func RecordMirrorSnapshot() {
	if !on() {
		return
	}
	globalManager.mirrorSnapshots.Inc()
}

// RecordMirrorReadError counts a subscription error by stream and error class.
func RecordMirrorReadError(stream, class string) {
	if !on() {
		return
	}
	globalManager.mirrorReadErrs.WithLabelValues(stream, class).Inc()
}

// RecordMirrorReconnect counts a reconnect attempt.
func RecordMirrorReconnect() {
	if !on() {
		return
	}
	globalManager.mirrorReconnects.Inc()
}

// RecordFeedPublish counts a change notification publish attempt.
func RecordFeedPublish(collection string, err error) {
	if !on() {
		return
	}
	if err != nil {
		globalManager.feedPublishErrs.WithLabelValues(collection).Inc()
		return
	}
	globalManager.feedPublished.WithLabelValues(collection).Inc()
}

// UpdateQueueSize sets the number of pending triggers.
func UpdateQueueSize(size int) {
	if !on() {
		return
	}
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the trigger queue capacity.
func UpdateQueueCapacity(capacity int) {
	if !on() {
		return
	}
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueRejected counts a trigger the queue refused.
func RecordQueueRejected(reason string) {
	if !on() {
		return
	}
	globalManager.queueRejected.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount sets the number of trigger workers.
func UpdateWorkerCount(count int) {
	if !on() {
		return
	}
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerLatency observes trigger handling latency.
func RecordWorkerLatency(latencyMs float64) {
	if !on() {
		return
	}
	globalManager.workerLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed trigger invocation.
func RecordWorkerError() {
	if !on() {
		return
	}
	globalManager.workerErrors.Inc()
}

// RecordHTTPRequest records an HTTP request with its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	if !on() {
		return
	}
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// RecordErrorByComponent counts an error by component and type.
func RecordErrorByComponent(component, errorType string) {
	if !on() {
		return
	}
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets heap bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if !on() {
		return
	}
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	if !on() {
		return
	}
	globalManager.systemGoroutineCount.Set(float64(count))
}
