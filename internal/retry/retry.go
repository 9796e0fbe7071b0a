// Package retry implements task-level retry accounting:
// exponential/linear/fixed backoff policies and the promotion of
// WAITING_RETRY tasks back to PENDING once their backoff elapses.
package retry

import (
	"math"
	"time"
)

// Policy is a backoff shape.
type Policy string

const (
	Exponential Policy = "exponential"
	Linear      Policy = "linear"
	Fixed       Policy = "fixed"
)

// Backoff computes the delay before the (1-indexed) attempt-th retry.
type Backoff struct {
	Policy Policy
	Base   time.Duration
	Cap    time.Duration
}

// Delay returns the backoff for the given retry attempt (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch b.Policy {
	case Linear:
		d = b.Base * time.Duration(attempt)
	case Fixed:
		d = b.Base
	default: // Exponential
		d = time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1)))
	}

	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Manager decides whether a failed task should be retried and when.
type Manager struct {
	MaxRetries int
	Backoff    Backoff
}

// New returns a Manager with the given retry budget and backoff shape.
func New(maxRetries int, backoff Backoff) *Manager {
	return &Manager{MaxRetries: maxRetries, Backoff: backoff}
}

// Decision is the outcome of evaluating a task failure against the
// retry budget.
type Decision struct {
	Retry       bool
	NextRetryAt time.Time
}

// Evaluate decides whether a task currently at retryCount failures
// should be retried, given now.
func (m *Manager) Evaluate(retryCount int, now time.Time) Decision {
	if retryCount >= m.MaxRetries {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, NextRetryAt: now.Add(m.Backoff.Delay(retryCount + 1))}
}
