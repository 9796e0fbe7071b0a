// Package events carries orchestrator lifecycle notifications: level and
// task transitions, worker faults, merge progress, and heartbeats. The
// state log remains the durable source of truth; these events are a
// best-effort broadcast for dashboards and operators watching a run live.
package events

import "time"

// EventType identifies the kind of orchestrator event.
type EventType string

const (
	EventLevelStarted         EventType = "level_started"
	EventLevelComplete        EventType = "level_complete"
	EventTaskStarted          EventType = "task_started"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskFailed           EventType = "task_failed"
	EventWorkerReady          EventType = "worker_ready"
	EventWorkerStopped        EventType = "worker_stopped"
	EventWorkerCrash          EventType = "worker_crash"
	EventMergeStarted         EventType = "merge_started"
	EventMergeRetry           EventType = "merge_retry"
	EventMergeComplete        EventType = "merge_complete"
	EventRecoverableError     EventType = "recoverable_error"
	EventPausedForIntervention EventType = "paused_for_intervention"
	EventHeartbeat            EventType = "heartbeat"
)

// GlobalKey is the special subscription key that receives every event
// regardless of which feature or level it concerns.
const GlobalKey = "*"

// Event is a single orchestrator notification.
type Event struct {
	Type    EventType `json:"type"`
	Feature string    `json:"feature"`
	Level   int       `json:"level,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	WorkerID string   `json:"worker_id,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(t EventType, feature string, data any) Event {
	return Event{Type: t, Feature: feature, Data: data, Time: time.Now()}
}

// key returns the subscription routing key for an event: its feature
// name, defaulting to GlobalKey for events not scoped to a feature.
func (e Event) key() string {
	if e.Feature == "" {
		return GlobalKey
	}
	return e.Feature
}

// TaskOutcome describes a completed or failed task.
type TaskOutcome struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// WorkerFault describes a worker that stopped unexpectedly.
type WorkerFault struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// MergeProgress describes the state of a level's merge flow.
type MergeProgress struct {
	Level          int      `json:"level"`
	TargetBranch   string   `json:"target_branch"`
	SourceBranches []string `json:"source_branches,omitempty"`
	Attempt        int      `json:"attempt,omitempty"`
	MergeCommit    string   `json:"merge_commit,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// InterventionRequired describes why the orchestrator paused and is
// waiting on an operator.
type InterventionRequired struct {
	Reason string `json:"reason"`
	Level  int    `json:"level,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// HeartbeatData reports the orchestrator's own liveness tick.
type HeartbeatData struct {
	ActiveWorkers int `json:"active_workers"`
	PendingTasks  int `json:"pending_tasks"`
}
