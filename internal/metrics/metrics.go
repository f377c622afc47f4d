// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vxmarkets/pulse/internal/domain"
)

// Registry holds all engine metrics.
type Registry struct {
	Decisions       *prometheus.CounterVec
	QuorumFailures  prometheus.Counter
	Overrides       prometheus.Counter
	RoundsAbandoned prometheus.Counter
	RoundDuration   prometheus.Histogram
	LayerFailures   *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	OptimizerRuns   *prometheus.CounterVec
	WeightVersion   *prometheus.GaugeVec
}

// NewRegistry creates and registers all engine metrics against reg. Pass
// prometheus.DefaultRegisterer in production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_decisions_total",
				Help: "Decisions emitted by signal",
			},
			[]string{"instrument", "signal"},
		),
		QuorumFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_quorum_failures_total",
				Help: "Rounds forced NEUTRAL by insufficient quorum",
			},
		),
		Overrides: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_anomaly_overrides_total",
				Help: "Decisions downgraded by the anomaly gate",
			},
		),
		RoundsAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_rounds_abandoned_total",
				Help: "Voting rounds abandoned on timeout",
			},
		),
		RoundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_round_duration_seconds",
				Help:    "End-to-end voting round duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		LayerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_layer_failures_total",
				Help: "Layer invocation failures by layer",
			},
			[]string{"layer"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulse_breaker_state",
				Help: "Breaker state per layer (0 closed, 1 half-open, 2 open)",
			},
			[]string{"layer"},
		),
		OptimizerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_optimizer_runs_total",
				Help: "Batch optimizer runs by result",
			},
			[]string{"result"},
		),
		WeightVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulse_weight_vector_version",
				Help: "Committed weight vector version per instrument",
			},
			[]string{"instrument"},
		),
	}

	reg.MustRegister(
		m.Decisions, m.QuorumFailures, m.Overrides, m.RoundsAbandoned,
		m.RoundDuration, m.LayerFailures, m.BreakerState, m.OptimizerRuns,
		m.WeightVersion,
	)
	return m
}

// ObserveDecision records the per-decision metrics in one call.
func (m *Registry) ObserveDecision(d domain.ConsensusDecision, elapsed time.Duration) {
	m.Decisions.WithLabelValues(d.Instrument, d.Signal.String()).Inc()
	if d.InsufficientQuorum {
		m.QuorumFailures.Inc()
	}
	if d.AnomalyOverridden {
		m.Overrides.Inc()
	}
	m.RoundDuration.Observe(elapsed.Seconds())
}
