// Package launcher implements the worker launcher: two
// interchangeable backends — subprocess and container — behind one
// interface, with a three-stage spawn verification contract.
package launcher

import (
	"context"
	"time"
)

// WorkerStatus mirrors the monitor semantics a backend translates its
// native process/engine state into.
type WorkerStatus string

const (
	StatusRunning       WorkerStatus = "RUNNING"
	StatusCheckpointing WorkerStatus = "CHECKPOINTING"
	StatusStopped       WorkerStatus = "STOPPED"
	StatusBlocked       WorkerStatus = "BLOCKED"
	StatusCrashed       WorkerStatus = "CRASHED"
)

// Handle identifies a spawned worker's backend-native resource
// (process PID or container id).
type Handle struct {
	ID          string
	ContainerID string
	PID         int
}

// SpawnAttempt records the three-stage verification outcome for one
// spawn attempt, for diagnostics.
type SpawnAttempt struct {
	Timestamp       time.Time
	Success         bool
	ContainerID     string
	ExecSuccess     bool
	ProcessVerified bool
	Error           string
}

// SpawnResult is returned by Spawn.
type SpawnResult struct {
	Success bool
	Handle  *Handle
	Attempt SpawnAttempt
	Error   error
}

// Launcher is the interface both backends implement.
type Launcher interface {
	Spawn(ctx context.Context, workerID, feature, worktreePath, branch string, env map[string]string) SpawnResult
	Monitor(workerID string) WorkerStatus
	Terminate(workerID string, force bool) bool
	GetOutput(workerID string, tailLines int) string
	GetHandle(workerID string) (*Handle, bool)
	TerminateAll(force bool)
}

// GracePeriod is the default time allowed between a graceful signal
// and escalation to force-kill.
const GracePeriod = 10 * time.Second
