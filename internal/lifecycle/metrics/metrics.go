package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for student lifecycle operations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// External store call latency per step, outcome is "ok" or "error"
	StepDuration *prometheus.HistogramVec

	// Transient failures retried inside a step
	StepRetries *prometheus.CounterVec

	// Finished operations by kind and outcome
	Outcomes *prometheus.CounterVec

	// Provisions left with an orphaned identity account
	CompensationFailures prometheus.Counter

	// Ledger entries currently in needs_compensation, refreshed by the sweeper
	NeedsAttention prometheus.Gauge

	// Operations picked up by the sweeper
	SweepResumed *prometheus.CounterVec
}

// New registers the lifecycle metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollcall_lifecycle_step_duration_seconds",
			Help:    "Duration of lifecycle steps including retries",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind", "step", "outcome"}),

		StepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_lifecycle_step_retries_total",
			Help: "Transient failures retried inside a lifecycle step",
		}, []string{"kind", "step"}),

		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_lifecycle_operations_total",
			Help: "Finished lifecycle operations by kind and outcome",
		}, []string{"kind", "outcome"}),

		CompensationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_lifecycle_compensation_failures_total",
			Help: "Provisions whose identity rollback failed and need an operator",
		}),

		NeedsAttention: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_lifecycle_needs_attention",
			Help: "Ledger entries waiting for operator remediation",
		}),

		SweepResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_lifecycle_sweep_resumed_total",
			Help: "Stale operations resumed by the sweeper",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) ObserveStep(kind, step string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StepDuration.WithLabelValues(kind, step, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncrementRetry(kind, step string) {
	if m != nil {
		m.StepRetries.WithLabelValues(kind, step).Inc()
	}
}

func (m *Metrics) IncrementOutcome(kind, outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncrementCompensationFailure() {
	if m != nil {
		m.CompensationFailures.Inc()
	}
}

func (m *Metrics) SetNeedsAttention(n int) {
	if m != nil {
		m.NeedsAttention.Set(float64(n))
	}
}

func (m *Metrics) IncrementSweepResumed(kind, outcome string) {
	if m != nil {
		m.SweepResumed.WithLabelValues(kind, outcome).Inc()
	}
}
