package rules

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the rule engine. A nil *Metrics
// disables instrumentation; every method is nil-safe.
type Metrics struct {
	evaluationsTotal  *prometheus.CounterVec
	actionsTotal      *prometheus.CounterVec
	logWriteFailures  prometheus.Counter
	counterFailures   prometheus.Counter
	handleDuration    prometheus.Histogram
}

// NewMetrics creates and registers engine metrics. Returns nil when no
// registerer is provided.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}

	m := &Metrics{
		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockflow",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Total rule evaluations by aggregate result",
		}, []string{"event_type", "status"}),

		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockflow",
			Subsystem: "rules",
			Name:      "actions_total",
			Help:      "Total action dispatches by type and status",
		}, []string{"action_type", "status"}),

		logWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockflow",
			Subsystem: "rules",
			Name:      "log_write_failures_total",
			Help:      "Execution log writes that failed (entries lost)",
		}),

		counterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockflow",
			Subsystem: "rules",
			Name:      "counter_update_failures_total",
			Help:      "Best-effort execution counter updates that failed",
		}),

		handleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stockflow",
			Subsystem: "rules",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one domain event end to end",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}

	registerer.MustRegister(
		m.evaluationsTotal,
		m.actionsTotal,
		m.logWriteFailures,
		m.counterFailures,
		m.handleDuration,
	)
	return m
}

func (m *Metrics) observeEvaluation(event EventType, status ExecutionStatus) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(string(event), string(status)).Inc()
}

func (m *Metrics) observeActions(results []ActionResult) {
	if m == nil {
		return
	}
	for _, res := range results {
		m.actionsTotal.WithLabelValues(string(res.Type), string(res.Status)).Inc()
	}
}

func (m *Metrics) observeLogWriteFailure() {
	if m == nil {
		return
	}
	m.logWriteFailures.Inc()
}

func (m *Metrics) observeCounterFailure() {
	if m == nil {
		return
	}
	m.counterFailures.Inc()
}

func (m *Metrics) observeHandle(d time.Duration) {
	if m == nil {
		return
	}
	m.handleDuration.Observe(d.Seconds())
}
