package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuit_TripsAfterThreshold(t *testing.T) {
	m := New(3, time.Minute)
	assert.True(t, m.CanAcceptTask("w1", ""))

	m.RecordFailure("w1")
	m.RecordFailure("w1")
	assert.Equal(t, Closed, m.State("w1"))
	m.RecordFailure("w1")
	assert.Equal(t, Open, m.State("w1"))
	assert.False(t, m.CanAcceptTask("w1", "probe-1"))
}

func TestCircuit_HalfOpenProbeOnlyOnce(t *testing.T) {
	m := New(1, time.Millisecond)
	m.RecordFailure("w1")
	time.Sleep(5 * time.Millisecond)

	assert.True(t, m.CanAcceptTask("w1", "probe-1"))
	assert.Equal(t, HalfOpen, m.State("w1"))
	assert.False(t, m.CanAcceptTask("w1", "probe-2"), "a second probe must not be admitted while one is in flight")
}

func TestCircuit_ProbeSuccessCloses(t *testing.T) {
	m := New(1, time.Millisecond)
	m.RecordFailure("w1")
	time.Sleep(5 * time.Millisecond)
	m.CanAcceptTask("w1", "probe-1")

	m.RecordSuccess("w1")
	assert.Equal(t, Closed, m.State("w1"))
}

func TestCircuit_ProbeFailureReopens(t *testing.T) {
	m := New(1, time.Millisecond)
	m.RecordFailure("w1")
	time.Sleep(5 * time.Millisecond)
	m.CanAcceptTask("w1", "probe-1")

	m.RecordFailure("w1")
	assert.Equal(t, Open, m.State("w1"))
}

func TestCircuit_IndependentPerWorker(t *testing.T) {
	m := New(1, time.Minute)
	m.RecordFailure("w1")
	assert.Equal(t, Open, m.State("w1"))
	assert.Equal(t, Closed, m.State("w2"))

	m.Reset("w1")
	assert.Equal(t, Closed, m.State("w1"))
}
