// Package metrics exposes Prometheus counters for import runs and the
// conflict resolver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"products-import-service/internal/conflicts"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
)

// ImportMetrics holds the collectors of the import service. A nil
// *ImportMetrics is valid and records nothing.
type ImportMetrics struct {
	ConflictsDetected   *prometheus.CounterVec
	ConflictsResolved   *prometheus.CounterVec
	ConflictsUnresolved *prometheus.CounterVec
	RowsProcessed       *prometheus.CounterVec
	RowFailures         *prometheus.CounterVec
	RowDuration         prometheus.Histogram
	Imports             *prometheus.CounterVec
}

// NewImportMetrics registers the collectors with reg
func NewImportMetrics(reg prometheus.Registerer, namespace string) *ImportMetrics {
	factory := promauto.With(reg)
	const subsystem = "import"

	return &ImportMetrics{
		ConflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_detected_total",
			Help:      "Write conflicts classified by the conflict resolver",
		}, []string{"conflict_type"}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts a resolver produced a resolution for",
		}, []string{"conflict_type", "strategy", "action"}),
		ConflictsUnresolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_unresolved_total",
			Help:      "Conflicts no resolver could handle",
		}, []string{"conflict_type"}),
		RowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_processed_total",
			Help:      "Import rows by outcome",
		}, []string{"outcome"}),
		RowFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "row_failures_total",
			Help:      "Failed import rows by failure kind",
		}, []string{"kind"}),
		RowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "row_duration_seconds",
			Help:      "Time spent in the row pipeline",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Imports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Import runs by final status",
		}, []string{"status"}),
	}
}

// ConflictHooks feeds resolver events into the conflict counters
func (m *ImportMetrics) ConflictHooks() conflicts.Hooks {
	if m == nil {
		return conflicts.Hooks{}
	}
	return conflicts.Hooks{
		OnClassified: func(c *conflicts.Conflict) {
			m.ConflictsDetected.WithLabelValues(c.Kind.String()).Inc()
		},
		OnResolved: func(c *conflicts.Conflict, res *conflicts.ConflictResolution) {
			m.ConflictsResolved.WithLabelValues(c.Kind.String(), res.Strategy, string(res.Action)).Inc()
		},
		OnUnresolved: func(c *conflicts.Conflict, res *conflicts.ConflictResolution) {
			m.ConflictsUnresolved.WithLabelValues(c.Kind.String()).Inc()
		},
	}
}

// ObserveRow records the outcome of one row
func (m *ImportMetrics) ObserveRow(outcome string, kind pipeline.FailureKind, took time.Duration) {
	if m == nil {
		return
	}
	m.RowsProcessed.WithLabelValues(outcome).Inc()
	if outcome == models.RowActionFailed {
		if kind == pipeline.KindNone {
			kind = pipeline.KindActionFailed
		}
		m.RowFailures.WithLabelValues(string(kind)).Inc()
	}
	m.RowDuration.Observe(took.Seconds())
}

// ObserveImport records a finished import run
func (m *ImportMetrics) ObserveImport(status models.ImportStatus) {
	if m == nil {
		return
	}
	m.Imports.WithLabelValues(string(status)).Inc()
}
