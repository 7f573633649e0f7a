package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sync planning metrics
	SyncPlanTotal        *prometheus.CounterVec
	SyncPlanDuration     *prometheus.HistogramVec
	SyncPlanItems        *prometheus.HistogramVec
	SyncCheckTotal       *prometheus.CounterVec
	SyncCheckDuration    *prometheus.HistogramVec

	// Chunk store metrics
	ChunkOperationTotal *prometheus.CounterVec
	ChunkBytes          *prometheus.HistogramVec
	ChunkIntegrityFails prometheus.Counter

	// Conflict resolution metrics
	ConflictResolvedTotal *prometheus.CounterVec

	// Audit publishing metrics
	AuditPublishTotal    *prometheus.CounterVec
	AuditPublishFailures prometheus.Counter
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efb_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efb_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Sync planning metrics
		SyncPlanTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efb_sync_plans_total",
			Help: "Total number of sync plans built",
		}, []string{"scenario", "compliance"}),

		SyncPlanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efb_sync_plan_duration_seconds",
			Help:    "Sync plan build duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"scenario"}),

		SyncPlanItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efb_sync_plan_items",
			Help:    "Number of items emitted per sync plan",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"scenario"}),

		SyncCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efb_sync_checks_total",
			Help: "Total number of delta-detection checks",
		}, []string{"needs_sync"}),

		SyncCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efb_sync_check_duration_seconds",
			Help:    "Delta-detection check duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"needs_sync"}),

		// Chunk store metrics
		ChunkOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efb_chunk_operations_total",
			Help: "Total number of chunk store operations",
		}, []string{"operation", "status"}),

		ChunkBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efb_chunk_store_bytes",
			Help:    "Uncompressed chunk payload sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"operation"}),

		ChunkIntegrityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "efb_chunk_integrity_failures_total",
			Help: "Total number of chunk checksum mismatches detected on read",
		}),

		// Conflict resolution metrics
		ConflictResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efb_conflicts_resolved_total",
			Help: "Total number of conflicts resolved",
		}, []string{"strategy"}),

		// Audit publishing metrics
		AuditPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efb_audit_publish_total",
			Help: "Total number of audit publish attempts",
		}, []string{"event_type", "status"}),

		AuditPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "efb_audit_publish_failures_total",
			Help: "Total number of audit events that could not be delivered",
		}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.SyncPlanTotal)
	registerOrGet(m.SyncPlanDuration)
	registerOrGet(m.SyncPlanItems)
	registerOrGet(m.SyncCheckTotal)
	registerOrGet(m.SyncCheckDuration)
	registerOrGet(m.ChunkOperationTotal)
	registerOrGet(m.ChunkBytes)
	registerOrGet(m.ChunkIntegrityFails)
	registerOrGet(m.ConflictResolvedTotal)
	registerOrGet(m.AuditPublishTotal)
	registerOrGet(m.AuditPublishFailures)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
