// Package telemetry exposes the migration's Prometheus metrics:
// sequence-number progress, phase duration, and worker throughput.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registered collectors. Callers construct one
// instance per process and pass it down to the components that
// report into it.
type Metrics struct {
	PhaseDuration    *prometheus.HistogramVec
	KeysApplied      *prometheus.CounterVec
	CurrentSN        *prometheus.GaugeVec
	CatchupIteration prometheus.Gauge
	MigrationState   *prometheus.GaugeVec
}

// New creates and registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "migration",
			Name:      "phase_duration_seconds",
			Help:      "Duration of one (phase, iteration) run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		KeysApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migration",
			Name:      "keys_applied_total",
			Help:      "Total keys applied to the destination, by phase.",
		}, []string{"phase"}),
		CurrentSN: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "migration",
			Name:      "sequence_number",
			Help:      "Most recently observed sequence number, by bound.",
		}, []string{"bound"}),
		CatchupIteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "migration",
			Name:      "catchup_iteration",
			Help:      "Index of the most recently completed Catchup iteration.",
		}),
		MigrationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "migration",
			Name:      "state",
			Help:      "1 for the migration's current state, 0 otherwise.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.PhaseDuration, m.KeysApplied, m.CurrentSN, m.CatchupIteration, m.MigrationState)
	return m
}
