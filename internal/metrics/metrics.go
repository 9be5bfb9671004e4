// Package metrics exposes Prometheus collectors for the mutation path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK         = "ok"
	OutcomeConflict   = "conflict"
	OutcomeInvalid    = "invalid"
	OutcomeRejected   = "rejected"
	OutcomeNotFound   = "not_found"
	OutcomePersistErr = "persist_error"
)

// Metrics holds the collectors of one registry. A nil *Metrics is a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	mutations       *prometheus.CounterVec
	mutationSeconds *prometheus.HistogramVec
	backupFailures  prometheus.Counter
	auditFailures   prometheus.Counter
	indexFailures   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksheet_mutations_total",
			Help: "Mutations by action and outcome",
		}, []string{"action", "outcome"}),
		mutationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasksheet_mutation_duration_seconds",
			Help:    "Time from request to persisted record, including the project lock wait",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"action"}),
		backupFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tasksheet_backup_failures_total",
			Help: "Backup rotations that failed before a save",
		}),
		auditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tasksheet_audit_failures_total",
			Help: "Audit appends that failed after a save",
		}),
		indexFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tasksheet_index_failures_total",
			Help: "Events that could not be mirrored into the index",
		}),
	}
}

// Mutation records one finished mutation.
func (m *Metrics) Mutation(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(action, outcome).Inc()
	if outcome == OutcomeOK {
		m.mutationSeconds.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) BackupFailed() {
	if m != nil {
		m.backupFailures.Inc()
	}
}

func (m *Metrics) AuditFailed() {
	if m != nil {
		m.auditFailures.Inc()
	}
}

func (m *Metrics) IndexFailed() {
	if m != nil {
		m.indexFailures.Inc()
	}
}

// MutationCount returns the counter for (action, outcome).
func (m *Metrics) MutationCount(action, outcome string) prometheus.Counter {
	return m.mutations.WithLabelValues(action, outcome)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
