// Package taskgraph loads and validates the task graph input file
// and exposes pure helper functions over task records: dependency
// closure, critical-path detection, and file-ownership conflict checks.
package taskgraph

import "time"

// Status is the lifecycle of a single task.
//
//	PENDING → CLAIMED → IN_PROGRESS → (VERIFYING →) COMPLETE | FAILED | BLOCKED | WAITING_RETRY | PAUSED
//
// Transitions are monotonic except FAILED → PENDING (manual retry, resets
// the retry counter) and WAITING_RETRY → PENDING (backoff elapsed).
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusClaimed      Status = "CLAIMED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusVerifying    Status = "VERIFYING"
	StatusComplete     Status = "COMPLETE"
	StatusFailed       Status = "FAILED"
	StatusBlocked      Status = "BLOCKED"
	StatusWaitingRetry Status = "WAITING_RETRY"
	StatusPaused       Status = "PAUSED"
)

// Terminal reports whether a task in this status will not be dispatched
// again without an explicit manual retry.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Verification describes the shell command that must exit 0 for a task
// to be considered successfully implemented.
type Verification struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Files declares the paths a task is permitted to touch.
type Files struct {
	Create []string `json:"create,omitempty"`
	Modify []string `json:"modify,omitempty"`
	Read   []string `json:"read,omitempty"`
}

// Owned returns the union of Create and Modify, the set that must be
// disjoint across all tasks.
func (f Files) Owned() []string {
	out := make([]string, 0, len(f.Create)+len(f.Modify))
	out = append(out, f.Create...)
	out = append(out, f.Modify...)
	return out
}

// Task is an immutable unit of work loaded from the task graph file.
type Task struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Level            int          `json:"level"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	Files            Files        `json:"files"`
	Verification     Verification `json:"verification"`
	EstimateMinutes  int          `json:"estimate_minutes,omitempty"`
	CriticalPath     bool         `json:"critical_path,omitempty"`
	Consumers        []string     `json:"consumers,omitempty"`
	IntegrationTest  string       `json:"integration_test,omitempty"`

	// TaskTimeoutOverride, when non-zero, overrides
	// workers.task_stale_timeout_seconds for this specific task.
	TaskTimeoutOverride int `json:"task_timeout_seconds,omitempty"`
}

// Record is the mutable, per-task bookkeeping the orchestrator maintains
// in the FeatureState. It wraps the immutable Task with live status.
type Record struct {
	Task Task `json:"task"`

	Status     Status    `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	CommitSHA   string    `json:"commit_sha,omitempty"`
}

// NewRecord builds the initial PENDING record for a task.
func NewRecord(t Task) *Record {
	return &Record{Task: t, Status: StatusPending}
}

// LevelSpec describes one entry of the graph file's "levels" map.
type LevelSpec struct {
	Name     string   `json:"name"`
	Tasks    []string `json:"tasks"`
	Parallel bool     `json:"parallel"`
}

// Graph is the parsed task-graph document.
type Graph struct {
	Feature             string               `json:"feature"`
	Version             int                  `json:"version"`
	Generated           string               `json:"generated,omitempty"`
	TotalTasks          int                  `json:"total_tasks"`
	Tasks               []Task               `json:"tasks"`
	Levels              map[string]LevelSpec `json:"levels,omitempty"`
	MaxParallelization  int                  `json:"max_parallelization,omitempty"`
}

// ByID indexes the graph's tasks by id.
func (g *Graph) ByID() map[string]Task {
	out := make(map[string]Task, len(g.Tasks))
	for _, t := range g.Tasks {
		out[t.ID] = t
	}
	return out
}

// ByLevel groups task ids by level; within a level, ids keep graph order.
func (g *Graph) ByLevel() map[int][]string {
	out := make(map[int][]string)
	for _, t := range g.Tasks {
		out[t.Level] = append(out[t.Level], t.ID)
	}
	return out
}

// MaxLevel returns the highest level present in the graph, or 0 if empty.
func (g *Graph) MaxLevel() int {
	max := 0
	for _, t := range g.Tasks {
		if t.Level > max {
			max = t.Level
		}
	}
	return max
}
