package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsWorkerStale(t *testing.T) {
	m := New(30*time.Second, 120*time.Second, 600*time.Second)
	now := time.Now()

	assert.False(t, m.IsWorkerStale(now.Add(-60*time.Second), now))
	assert.True(t, m.IsWorkerStale(now.Add(-200*time.Second), now))
	assert.False(t, m.IsWorkerStale(time.Time{}, now), "zero heartbeat means never started, not stale")
}

func TestIsTaskTimedOut_Default(t *testing.T) {
	m := New(30*time.Second, 120*time.Second, 600*time.Second)
	now := time.Now()

	assert.False(t, m.IsTaskTimedOut(now.Add(-500*time.Second), now, 0))
	assert.True(t, m.IsTaskTimedOut(now.Add(-700*time.Second), now, 0))
}

func TestIsTaskTimedOut_PerTaskOverride(t *testing.T) {
	m := New(30*time.Second, 120*time.Second, 600*time.Second)
	now := time.Now()

	assert.True(t, m.IsTaskTimedOut(now.Add(-100*time.Second), now, 50*time.Second))
}
