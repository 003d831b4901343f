package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Versioning provides observability for the versioning core.
// Tracks saves, conflicts, redirects and flags per entity kind.
// All methods are safe on a nil receiver.
type Versioning struct {
	Saves           *prometheus.CounterVec
	Deletes         *prometheus.CounterVec
	Conflicts       *prometheus.CounterVec
	Diffs           *prometheus.CounterVec
	Redirects       *prometheus.CounterVec
	Flags           *prometheus.CounterVec
	Anomalies       *prometheus.CounterVec
	PublishFailures prometheus.Counter
	SaveDuration    prometheus.Histogram
}

// NewVersioning registers the versioning metrics on reg
func NewVersioning(reg prometheus.Registerer) *Versioning {
	factory := promauto.With(reg)

	return &Versioning{
		Saves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_saves_total",
			Help: "Total number of committed saves",
		}, []string{"kind", "op"}),
		Deletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_deletes_total",
			Help: "Total number of committed deletions",
		}, []string{"kind"}),
		Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_version_conflicts_total",
			Help: "Total number of saves rejected by optimistic locking",
		}, []string{"kind"}),
		Diffs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_diffs_total",
			Help: "Total number of stored diffs",
		}, []string{"kind"}),
		Redirects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_redirect_lookups_total",
			Help: "Identifier lookups that fell back to the redirect registry, by outcome",
		}, []string{"kind", "outcome"}),
		Flags: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_flags_total",
			Help: "Flag and unflag operations",
		}, []string{"action"}),
		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_anomalies_total",
			Help: "Anomalies recorded, by rule",
		}, []string{"rule"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_diff_publish_failures_total",
			Help: "Committed diffs that could not be published",
		}),
		SaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_save_duration_seconds",
			Help:    "Duration of save transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementSave records a committed save
func (m *Versioning) IncrementSave(kind string, created bool) {
	if m == nil {
		return
	}
	op := "update"
	if created {
		op = "create"
	}
	m.Saves.WithLabelValues(kind, op).Inc()
}

// IncrementDelete records a committed deletion
func (m *Versioning) IncrementDelete(kind string) {
	if m == nil {
		return
	}
	m.Deletes.WithLabelValues(kind).Inc()
}

// IncrementConflict records a save rejected with a version conflict
func (m *Versioning) IncrementConflict(kind string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(kind).Inc()
}

// IncrementDiff records a stored diff
func (m *Versioning) IncrementDiff(kind string) {
	if m == nil {
		return
	}
	m.Diffs.WithLabelValues(kind).Inc()
}

// IncrementRedirect records a redirect lookup outcome (redirected, ambiguous, not_found)
func (m *Versioning) IncrementRedirect(kind, outcome string) {
	if m == nil {
		return
	}
	m.Redirects.WithLabelValues(kind, outcome).Inc()
}

// IncrementFlag records a flag or unflag
func (m *Versioning) IncrementFlag(action string) {
	if m == nil {
		return
	}
	m.Flags.WithLabelValues(action).Inc()
}

// IncrementAnomaly records an anomaly raised by rule
func (m *Versioning) IncrementAnomaly(rule string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(rule).Inc()
}

// IncrementPublishFailure records a diff that could not be published
func (m *Versioning) IncrementPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// ObserveSave records the duration of a save.
// Call with time.Now() at the start of the operation.
func (m *Versioning) ObserveSave(start time.Time) {
	if m == nil {
		return
	}
	m.SaveDuration.Observe(time.Since(start).Seconds())
}
