package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.GateFailed("tti", "TTI_REACTIVE")
	m.ObserveAllocation("PRBC", "filled", time.Now())
	m.CASConflict()
	m.Transition("AVAILABLE", "RESERVED")
	m.Reaction("SEVERE")
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.GateFailed("tti", "TTI_REACTIVE")
	m.GateFailed("tti", "TTI_REACTIVE")
	m.CASConflict()
	m.Transition("AVAILABLE", "RESERVED")
	m.ObserveAllocation("FFP", "shortfall", time.Now())

	if got := testutil.ToFloat64(m.GateFailures.WithLabelValues("tti", "TTI_REACTIVE")); got != 2 {
		t.Errorf("gate failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CASConflicts); got != 1 {
		t.Errorf("cas conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Allocations.WithLabelValues("FFP", "shortfall")); got != 1 {
		t.Errorf("allocations = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.UnitTransitions); n != 1 {
		t.Errorf("transition series = %d, want 1", n)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected registering twice on one registry to panic")
		}
	}()
	New(reg)
}
