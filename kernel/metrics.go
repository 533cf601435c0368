package kernel

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// kernel execution monitoring.
//
// Metrics exposed (all namespaced with "agentkernel_"):
//
//  1. events_processed_total (counter): events handled by the runtime.
//     Labels: tenant_id, status (success/error).
//  2. event_latency_ms (histogram): event dispatch duration.
//     Labels: tenant_id, status.
//  3. retries_total (counter): rescheduled event attempts.
//     Labels: tenant_id.
//  4. dlq_depth (gauge): current dead-letter queue depth.
//     Labels: tenant_id.
//  5. snapshots_total (counter): snapshots appended to the persistor.
//     Labels: tenant_id, kind (full/delta).
//  6. snapshot_bytes (histogram): persisted snapshot payload size.
//     Labels: tenant_id.
//  7. recovery_attempts_total (counter): recovery attempts.
//     Labels: tenant_id, outcome (success/failure).
//  8. kernel_status (gauge): numeric kernel status code.
//     Labels: tenant_id.
//
// All methods are nil-safe: a nil *PrometheusMetrics records nothing, so
// callers never need to guard metric calls.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := kernel.NewPrometheusMetrics(registry)
//	k, _ := kernel.New("tenant-a", wf, kernel.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	eventsProcessed  *prometheus.CounterVec
	eventLatency     *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	dlqDepth         *prometheus.GaugeVec
	snapshots        *prometheus.CounterVec
	snapshotBytes    *prometheus.HistogramVec
	recoveryAttempts *prometheus.CounterVec
	status           *prometheus.GaugeVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all kernel metrics with the
// provided registry (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.eventsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentkernel",
		Name:      "events_processed_total",
		Help:      "Events handled by the runtime, by outcome",
	}, []string{"tenant_id", "status"})

	pm.eventLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentkernel",
		Name:      "event_latency_ms",
		Help:      "Event dispatch duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"tenant_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentkernel",
		Name:      "retries_total",
		Help:      "Event attempts rescheduled with backoff",
	}, []string{"tenant_id"})

	pm.dlqDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentkernel",
		Name:      "dlq_depth",
		Help:      "Current dead-letter queue depth",
	}, []string{"tenant_id"})

	pm.snapshots = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentkernel",
		Name:      "snapshots_total",
		Help:      "Snapshots appended to the persistor, by kind",
	}, []string{"tenant_id", "kind"})

	pm.snapshotBytes = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentkernel",
		Name:      "snapshot_bytes",
		Help:      "Persisted snapshot payload size in bytes",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8), // 64B to ~1MB
	}, []string{"tenant_id"})

	pm.recoveryAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentkernel",
		Name:      "recovery_attempts_total",
		Help:      "Runtime recovery attempts, by outcome",
	}, []string{"tenant_id", "outcome"})

	pm.status = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentkernel",
		Name:      "kernel_status",
		Help:      "Numeric kernel status (0=uninitialized 1=initializing 2=running 3=paused 4=completed 5=failed)",
	}, []string{"tenant_id"})

	return pm
}

func (pm *PrometheusMetrics) recording() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordEvent records one dispatched event and its latency.
func (pm *PrometheusMetrics) RecordEvent(tenantID, status string, latency time.Duration) {
	if !pm.recording() {
		return
	}
	pm.eventsProcessed.WithLabelValues(tenantID, status).Inc()
	pm.eventLatency.WithLabelValues(tenantID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one rescheduled attempt.
func (pm *PrometheusMetrics) IncrementRetries(tenantID string) {
	if !pm.recording() {
		return
	}
	pm.retries.WithLabelValues(tenantID).Inc()
}

// UpdateDLQDepth sets the current DLQ depth gauge.
func (pm *PrometheusMetrics) UpdateDLQDepth(tenantID string, depth int) {
	if !pm.recording() {
		return
	}
	pm.dlqDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// RecordSnapshot counts one persisted snapshot and its payload size.
// kind is "full" or "delta".
func (pm *PrometheusMetrics) RecordSnapshot(tenantID, kind string, bytes int) {
	if !pm.recording() {
		return
	}
	pm.snapshots.WithLabelValues(tenantID, kind).Inc()
	pm.snapshotBytes.WithLabelValues(tenantID).Observe(float64(bytes))
}

// IncrementRecoveryAttempts counts one recovery attempt.
// outcome is "success" or "failure".
func (pm *PrometheusMetrics) IncrementRecoveryAttempts(tenantID, outcome string) {
	if !pm.recording() {
		return
	}
	pm.recoveryAttempts.WithLabelValues(tenantID, outcome).Inc()
}

// SetStatus publishes the kernel's current status code.
func (pm *PrometheusMetrics) SetStatus(tenantID string, s Status) {
	if !pm.recording() {
		return
	}
	pm.status.WithLabelValues(tenantID).Set(float64(statusCode(s)))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
