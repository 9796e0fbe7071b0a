// Package state implements the durable FeatureState document: one
// ordered JSON document per feature, saved by atomic temp-file-then-rename.
// FileStore serializes its methods with a per-store sync.Mutex, which is
// not re-entrant: a store method cannot be called while the lock is held.
package state

import (
	"time"

	"github.com/randalmurphal/zerg/internal/taskgraph"
)

// WorkerStatus is a worker's position in its lifecycle.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "INITIALIZING"
	WorkerReady         WorkerStatus = "READY"
	WorkerRunning       WorkerStatus = "RUNNING"
	WorkerIdle          WorkerStatus = "IDLE"
	WorkerCheckpointing WorkerStatus = "CHECKPOINTING"
	WorkerStopping      WorkerStatus = "STOPPING"
	WorkerStopped       WorkerStatus = "STOPPED"
	WorkerCrashed       WorkerStatus = "CRASHED"
	WorkerBlocked       WorkerStatus = "BLOCKED"
)

// Alive reports whether a worker in this status can still be assigned
// work or is expected to make progress (used by the reconciler's
// live-worker check).
func (s WorkerStatus) Alive() bool {
	switch s {
	case WorkerRunning, WorkerReady, WorkerIdle, WorkerInitializing, WorkerCheckpointing:
		return true
	default:
		return false
	}
}

// WorkerState is the per-worker record kept in the FeatureState.
type WorkerState struct {
	ID                string       `json:"id"`
	Status            WorkerStatus `json:"status"`
	PortRangeStart    int          `json:"port_range_start"`
	PortRangeEnd      int          `json:"port_range_end"`
	HandleID          string       `json:"handle_id,omitempty"`
	WorktreePath      string       `json:"worktree_path,omitempty"`
	Branch            string       `json:"branch,omitempty"`
	LastHeartbeat     time.Time    `json:"last_heartbeat,omitempty"`
	StartedAt         time.Time    `json:"started_at,omitempty"`
	ReadyAt           time.Time    `json:"ready_at,omitempty"`
	LastTaskCompleted time.Time    `json:"last_task_completed,omitempty"`
	TasksCompleted    int          `json:"tasks_completed"`
	ContextUsage      float64      `json:"context_usage_estimate"`
	RespawnAttempts   int          `json:"respawn_attempts"`
	SpawnAttempts     []SpawnAttempt `json:"spawn_attempts,omitempty"`
	LastObservedHead  string       `json:"last_observed_head,omitempty"`
}

// SpawnAttempt records one launcher spawn attempt's three-stage result
//, kept for reconciliation diagnostics.
type SpawnAttempt struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	ContainerID     string    `json:"container_id,omitempty"`
	ExecSuccess     bool      `json:"exec_success"`
	ProcessVerified bool      `json:"process_verified"`
	Error           string    `json:"error,omitempty"`
}

// LevelMergeStatus is the per-level merge lifecycle.
type LevelMergeStatus string

const (
	MergeNotStarted LevelMergeStatus = "not_started"
	MergeMerging    LevelMergeStatus = "merging"
	MergeConflict   LevelMergeStatus = "conflict"
	MergeFailed     LevelMergeStatus = "failed"
	MergeRebasing   LevelMergeStatus = "rebasing"
	MergeComplete   LevelMergeStatus = "complete"
)

// LevelStatus is the per-level task lifecycle.
type LevelStatus string

const (
	LevelPending  LevelStatus = "pending"
	LevelRunning  LevelStatus = "running"
	LevelComplete LevelStatus = "complete"
	LevelFailed   LevelStatus = "failed"
)

// LevelRecord tracks one dependency wave.
type LevelRecord struct {
	Level          int              `json:"level"`
	Status         LevelStatus      `json:"status"`
	MergeStatus    LevelMergeStatus `json:"merge_status"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	CompletedAt    time.Time        `json:"completed_at,omitempty"`
	MergeCommitID  string           `json:"merge_commit_id,omitempty"`
	TotalTasks     int              `json:"total_tasks"`
	CompletedTasks int              `json:"completed_tasks"`
	FailedTasks    int              `json:"failed_tasks"`
}

// Event is one append-only entry in the feature's event log.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// FeatureState is the root document persisted per feature at
// <state-dir>/<feature>.json. Exactly one exists per feature, owned
// exclusively by one running Orchestrator.
type FeatureState struct {
	Feature      string                        `json:"feature"`
	CurrentLevel int                           `json:"current_level"`
	Tasks        map[string]*taskgraph.Record  `json:"tasks"`
	Workers      map[string]*WorkerState       `json:"workers"`
	Levels       map[int]*LevelRecord          `json:"levels"`
	ExecutionLog []Event                       `json:"execution_log"`
	Paused       bool                          `json:"paused"`
	Error        string                        `json:"error,omitempty"`
	StartedAt    time.Time                     `json:"started_at"`
}

// New synthesizes the initial FeatureState for a fresh run, seeding one
// Record per task and one LevelRecord per declared level.
func New(feature string, tasks []taskgraph.Task) *FeatureState {
	fs := &FeatureState{
		Feature:      feature,
		CurrentLevel: 1,
		Tasks:        make(map[string]*taskgraph.Record, len(tasks)),
		Workers:      make(map[string]*WorkerState),
		Levels:       make(map[int]*LevelRecord),
		StartedAt:    time.Now(),
	}

	counts := make(map[int]int)
	for _, t := range tasks {
		fs.Tasks[t.ID] = taskgraph.NewRecord(t)
		counts[t.Level]++
	}
	for level, n := range counts {
		fs.Levels[level] = &LevelRecord{Level: level, Status: LevelPending, MergeStatus: MergeNotStarted, TotalTasks: n}
	}
	return fs
}
