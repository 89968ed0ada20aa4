package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workflow scheduler.
type Metrics struct {
	RunsFired        prometheus.Counter
	RunsFailed       prometheus.Counter
	InvalidSchedules prometheus.Counter
	TickDuration     prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "scheduler",
			Name:      "runs_fired_total",
			Help:      "Total scheduled workflow runs dispatched.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "scheduler",
			Name:      "runs_failed_total",
			Help:      "Total scheduled dispatches that failed.",
		}),
		InvalidSchedules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mauzo",
			Subsystem: "scheduler",
			Name:      "invalid_schedules_total",
			Help:      "Total poll cycles that skipped a workflow with an unparseable cron expression.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mauzo",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (poll + dispatch cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.RunsFired,
		m.RunsFailed,
		m.InvalidSchedules,
		m.TickDuration,
	)

	return m
}
