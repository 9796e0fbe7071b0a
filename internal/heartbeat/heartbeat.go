// Package heartbeat detects stalled workers and timed-out tasks from
// last-progress timestamps. The source of truth
// is always the event log's heartbeat entries; fsnotify is wired only
// as an optional wake-up signal to shorten poll-tick latency, never as
// the mechanism used to decide staleness.
package heartbeat

import "time"

// Monitor evaluates staleness against two independently configured
// thresholds: worker heartbeat staleness and task in-progress timeout.
type Monitor struct {
	Interval        time.Duration
	StaleThreshold  time.Duration
	TaskTimeout     time.Duration
}

// New returns a Monitor with the given intervals.
func New(interval, staleThreshold, taskTimeout time.Duration) *Monitor {
	return &Monitor{Interval: interval, StaleThreshold: staleThreshold, TaskTimeout: taskTimeout}
}

// IsWorkerStale reports whether a worker whose last heartbeat was at
// lastHeartbeat should be considered stalled as of now.
func (m *Monitor) IsWorkerStale(lastHeartbeat, now time.Time) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(lastHeartbeat) > m.StaleThreshold
}

// IsTaskTimedOut reports whether an IN_PROGRESS task started at
// startedAt has exceeded its timeout (perTaskOverride, if non-zero,
// takes precedence over the monitor's default).
func (m *Monitor) IsTaskTimedOut(startedAt, now time.Time, perTaskOverride time.Duration) bool {
	if startedAt.IsZero() {
		return false
	}
	timeout := m.TaskTimeout
	if perTaskOverride > 0 {
		timeout = perTaskOverride
	}
	return now.Sub(startedAt) > timeout
}
