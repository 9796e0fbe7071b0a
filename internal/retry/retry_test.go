package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Exponential(t *testing.T) {
	b := Backoff{Policy: Exponential, Base: 2 * time.Second, Cap: 30 * time.Second}
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
}

func TestBackoff_ExponentialCapped(t *testing.T) {
	b := Backoff{Policy: Exponential, Base: 2 * time.Second, Cap: 5 * time.Second}
	assert.Equal(t, 5*time.Second, b.Delay(10))
}

func TestBackoff_Linear(t *testing.T) {
	b := Backoff{Policy: Linear, Base: 3 * time.Second}
	assert.Equal(t, 6*time.Second, b.Delay(2))
}

func TestBackoff_Fixed(t *testing.T) {
	b := Backoff{Policy: Fixed, Base: 10 * time.Second}
	assert.Equal(t, 10*time.Second, b.Delay(5))
}

func TestManager_EvaluateExceedsLimit(t *testing.T) {
	m := New(3, Backoff{Policy: Fixed, Base: time.Second})
	d := m.Evaluate(3, time.Now())
	assert.False(t, d.Retry)
}

func TestManager_EvaluateRetries(t *testing.T) {
	m := New(3, Backoff{Policy: Fixed, Base: time.Second})
	now := time.Now()
	d := m.Evaluate(1, now)
	assert.True(t, d.Retry)
	assert.True(t, d.NextRetryAt.After(now))
}
