package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Mauzo.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Approval metrics.
	OperationsCreatedTotal  *prometheus.CounterVec
	OperationsResolvedTotal *prometheus.CounterVec
	PendingOperations       prometheus.Gauge

	// Change session metrics.
	SessionsResolvedTotal *prometheus.CounterVec
	SnapshotsTotal        prometheus.Counter
	RollbackFailuresTotal prometheus.Counter

	// Workflow metrics.
	WorkflowRunsTotal    *prometheus.CounterVec
	WorkflowRunDuration  *prometheus.HistogramVec
	ChildSpawnsTotal     *prometheus.CounterVec
	FanoutItemsTotal     *prometheus.CounterVec

	// Connector metrics.
	ConnectorCallsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRuns prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mauzo",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		OperationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "approval",
			Name:      "operations_created_total",
			Help:      "Total pending operations created.",
		}, []string{"tool"}),

		OperationsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "approval",
			Name:      "operations_resolved_total",
			Help:      "Total operations resolved, by terminal status.",
		}, []string{"status"}),

		PendingOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mauzo",
			Subsystem: "approval",
			Name:      "pending_operations",
			Help:      "Number of operations currently awaiting approval.",
		}),

		SessionsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "session",
			Name:      "resolved_total",
			Help:      "Total change sessions resolved.",
		}, []string{"status"}),

		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "session",
			Name:      "snapshots_total",
			Help:      "Total record snapshots captured.",
		}),

		RollbackFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "session",
			Name:      "rollback_failures_total",
			Help:      "Total snapshot restores that failed during discard.",
		}),

		WorkflowRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Total workflow runs, by terminal status.",
		}, []string{"status", "trigger"}),

		WorkflowRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mauzo",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"trigger"}),

		ChildSpawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "workflow",
			Name:      "child_spawns_total",
			Help:      "Total child workflow spawn attempts.",
		}, []string{"status"}),

		FanoutItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "workflow",
			Name:      "fanout_items_total",
			Help:      "Total fan-out items processed.",
		}, []string{"status"}),

		ConnectorCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "connector",
			Name:      "calls_total",
			Help:      "Total connector calls.",
		}, []string{"connector", "capability", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mauzo",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mauzo",
			Name:      "active_runs",
			Help:      "Number of workflow runs currently executing.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.OperationsCreatedTotal,
		m.OperationsResolvedTotal,
		m.PendingOperations,
		m.SessionsResolvedTotal,
		m.SnapshotsTotal,
		m.RollbackFailuresTotal,
		m.WorkflowRunsTotal,
		m.WorkflowRunDuration,
		m.ChildSpawnsTotal,
		m.FanoutItemsTotal,
		m.ConnectorCallsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRuns,
	)

	return m
}
