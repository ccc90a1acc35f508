package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the blood bank engine collectors. A nil *Metrics is valid and
// records nothing, so services can run without a registry in tests.
type Metrics struct {
	GateFailures       *prometheus.CounterVec
	Allocations        *prometheus.CounterVec
	AllocationDuration *prometheus.HistogramVec
	CASConflicts       prometheus.Counter
	UnitTransitions    *prometheus.CounterVec
	Reactions          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_gate_failures_total",
			Help: "Safety gate rejections by gate and reason code",
		}, []string{"gate", "code"}),
		Allocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_allocations_total",
			Help: "Emergency and MTP allocation attempts by component and outcome",
		}, []string{"component", "outcome"}),
		AllocationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bloodbank_allocation_duration_seconds",
			Help:    "Duration of FEFO allocation per component",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"component"}),
		CASConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodbank_cas_conflicts_total",
			Help: "Conditional unit status updates lost to a concurrent writer",
		}),
		UnitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_unit_transitions_total",
			Help: "Committed blood unit status transitions",
		}, []string{"from", "to"}),
		Reactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_transfusion_reactions_total",
			Help: "Transfusion reactions reported by severity",
		}, []string{"severity"}),
	}
}

func (m *Metrics) GateFailed(gate, code string) {
	if m == nil {
		return
	}
	m.GateFailures.WithLabelValues(gate, code).Inc()
}

// ObserveAllocation records one allocation outcome ("filled", "shortfall",
// "error") and its duration. Call with time.Now() at the start.
func (m *Metrics) ObserveAllocation(component, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(component, outcome).Inc()
	m.AllocationDuration.WithLabelValues(component).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.UnitTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Reaction(severity string) {
	if m == nil {
		return
	}
	m.Reactions.WithLabelValues(severity).Inc()
}
