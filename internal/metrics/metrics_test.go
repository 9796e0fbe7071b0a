package metrics

import (
	"testing"
	"time"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(50 * time.Millisecond)
	if d := timer.Duration(); d < 50*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 50ms", d)
	}
}

func TestHandlerNotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestGaugesAcceptLabels(t *testing.T) {
	WorkersActive.WithLabelValues("running").Set(3)
	CircuitState.WithLabelValues("w1").Set(1)
	TasksTotal.WithLabelValues("completed", "0").Inc()
	BackpressurePauses.WithLabelValues("0").Inc()
	MergeAttempts.WithLabelValues("0", "success").Inc()
	SpawnAttempts.WithLabelValues("success").Inc()
	ReconciliationRuns.WithLabelValues("periodic").Inc()
	ReconciliationFixes.Inc()
}
