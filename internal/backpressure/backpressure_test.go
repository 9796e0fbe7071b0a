package backpressure

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackpressure_PausesAtThreshold(t *testing.T) {
	c := New(true, 10, 0.5)
	c.Register(1, 4)

	c.RecordOutcome(1, true)
	c.RecordOutcome(1, false)
	assert.False(t, c.IsPaused(1), "below min sample size")

	c.RecordOutcome(1, false)
	assert.True(t, c.IsPaused(1), "2/3 failures meets the 0.5 threshold")
}

func TestBackpressure_DisabledIsNoop(t *testing.T) {
	c := New(false, 10, 0.1)
	c.RecordOutcome(1, false)
	c.RecordOutcome(1, false)
	c.RecordOutcome(1, false)
	assert.False(t, c.IsPaused(1))
}

func TestBackpressure_ResumeClearsWindow(t *testing.T) {
	c := New(true, 10, 0.5)
	c.RecordOutcome(1, false)
	c.RecordOutcome(1, false)
	c.RecordOutcome(1, false)
	assert.True(t, c.IsPaused(1))

	c.Resume(1)
	assert.False(t, c.IsPaused(1))
}

func TestBackpressure_ResumeStartsFreshWindow(t *testing.T) {
	c := New(true, 3, 0.5)
	c.RecordOutcome(1, false)
	c.RecordOutcome(1, false)
	c.RecordOutcome(1, false)
	assert.True(t, c.IsPaused(1))

	c.Resume(1)
	c.RecordOutcome(1, true)
	c.RecordOutcome(1, true)
	c.RecordOutcome(1, true)
	assert.False(t, c.IsPaused(1))
}
