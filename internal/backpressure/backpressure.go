// Package backpressure implements the per-level sliding-window failure
// controller: once enough outcomes have been recorded, a failure
// rate at or above threshold pauses dispatch for that level.
package backpressure

import "sync"

const minSampleSize = 3

// Controller tracks a bounded outcome window per level.
type Controller struct {
	mu              sync.Mutex
	enabled         bool
	windowSize      int
	failureRateThreshold float64
	windows         map[int][]bool
	paused          map[int]bool
}

// New returns a Controller. When enabled is false every method is a
// no-op and no per-level state is allocated.
func New(enabled bool, windowSize int, failureRateThreshold float64) *Controller {
	return &Controller{
		enabled:              enabled,
		windowSize:           windowSize,
		failureRateThreshold: failureRateThreshold,
		windows:              make(map[int][]bool),
		paused:               make(map[int]bool),
	}
}

// Register prepares level for tracking with an expected task count
// (kept for parity with the contract; the window itself is sized by
// windowSize regardless of expectedTasks).
func (c *Controller) Register(level, expectedTasks int) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.windows[level]; !ok {
		c.windows[level] = nil
	}
}

// RecordOutcome appends a success/failure bit to level's window,
// trimming to windowSize, and re-evaluates the pause condition.
func (c *Controller) RecordOutcome(level int, success bool) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	w := append(c.windows[level], !success)
	if len(w) > c.windowSize {
		w = w[len(w)-c.windowSize:]
	}
	c.windows[level] = w

	if len(w) < minSampleSize {
		return
	}
	failures := 0
	for _, failed := range w {
		if failed {
			failures++
		}
	}
	rate := float64(failures) / float64(len(w))
	if rate >= c.failureRateThreshold {
		c.paused[level] = true
	}
}

// IsPaused reports whether level is currently backpressure-paused.
func (c *Controller) IsPaused(level int) bool {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[level]
}

// Resume clears level's pause flag and window.
func (c *Controller) Resume(level int) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paused, level)
	delete(c.windows, level)
}
