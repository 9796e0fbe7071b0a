package orchestrator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/lock"
	"github.com/randalmurphal/zerg/internal/metrics"
	"github.com/randalmurphal/zerg/internal/state"
)

func spawnOutcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// provisionWorkers brings up the worker pool: for each configured
// workers, allocate a port range, create a per-worker worktree/branch,
// spawn via the launcher with spawn retry, and record the worker in
// state once every verification stage passes.
func (o *Orchestrator) provisionWorkers() error {
	for i := 1; i <= o.cfg.Workers.Count; i++ {
		id := strconv.Itoa(i)
		if err := o.provisionWorker(id); err != nil {
			o.log.Error("worker provisioning failed", "worker_id", id, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) provisionWorker(id string) error {
	if fs := o.store.Snapshot(); fs.Workers[id] != nil && fs.Workers[id].Status.Alive() {
		return nil
	}

	portRange, err := o.ports.Allocate(id)
	if err != nil {
		return fmt.Errorf("allocate port range: %w", err)
	}

	branch := o.names.WorkerBranch(o.feature, id)
	worktreePath, err := o.worktrees.Create(id, branch, o.defaultBaseBranch())
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}

	// PID guard: refuse to spawn into a worktree whose guard file names
	// a live process. The guard holds this orchestrator's PID, not the
	// worker's, so a worker outliving its orchestrator is not detected.
	guard := lock.NewPIDGuard(worktreePath)
	if err := guard.Check(); err != nil {
		return fmt.Errorf("worktree busy: %w", err)
	}
	if err := guard.Acquire(); err != nil {
		return err
	}

	attempts, handle, spawnErr := o.spawnWithRetry(id, worktreePath, branch, portRange.Start, portRange.End)

	ws := &state.WorkerState{
		ID:              id,
		PortRangeStart:  portRange.Start,
		PortRangeEnd:    portRange.End,
		WorktreePath:    worktreePath,
		Branch:          branch,
		StartedAt:       time.Now(),
		SpawnAttempts:   attempts,
		LastHeartbeat:   time.Now(),
	}
	if spawnErr != nil {
		ws.Status = state.WorkerCrashed
		_ = o.store.SetWorkerState(ws)
		return fmt.Errorf("spawn worker %s: %w", id, spawnErr)
	}

	ws.Status = state.WorkerReady
	ws.ReadyAt = time.Now()
	ws.HandleID = handle.ID
	if err := o.store.SetWorkerState(ws); err != nil {
		return fmt.Errorf("record worker state: %w", err)
	}

	ev := events.NewEvent(events.EventWorkerReady, o.feature, nil)
	ev.WorkerID = id
	o.publisher.Publish(ev)
	return nil
}

// defaultBaseBranch is the integration branch worker worktrees are cut
// from. It never changes mid-run: per-level progress lives on worker
// branches and the staging branch, not on the base.
func (o *Orchestrator) defaultBaseBranch() string {
	return "main"
}

// spawnWithRetry wraps the launcher's Spawn call in the spawn-retry
// policy: one initial try plus up to spawn_retry_attempts retries with
// configurable backoff, every attempt (success or failure) kept for
// diagnostics.
func (o *Orchestrator) spawnWithRetry(id, worktreePath, branch string, portStart, portEnd int) ([]state.SpawnAttempt, *spawnHandle, error) {
	var attempts []state.SpawnAttempt
	env := map[string]string{
		"ZERG_WORKER_ID":   id,
		"ZERG_PORT_START":  strconv.Itoa(portStart),
		"ZERG_PORT_END":    strconv.Itoa(portEnd),
		"ZERG_BRANCH":      branch,
		"ZERG_WORKTREE":    worktreePath,
	}

	for attempt := 0; ; attempt++ {
		res := o.launch.Spawn(o.ctx, id, o.feature, worktreePath, branch, env)
		sa := state.SpawnAttempt{
			Timestamp:       time.Now(),
			Success:         res.Success,
			ExecSuccess:     res.Attempt.ExecSuccess,
			ProcessVerified: res.Attempt.ProcessVerified,
		}
		if res.Handle != nil {
			sa.ContainerID = res.Handle.ContainerID
		}
		if res.Error != nil {
			sa.Error = res.Error.Error()
		}
		attempts = append(attempts, sa)
		metrics.SpawnAttempts.WithLabelValues(spawnOutcome(res.Success)).Inc()

		if res.Success {
			return attempts, &spawnHandle{ID: res.Handle.ID, ContainerID: res.Handle.ContainerID}, nil
		}

		decision := o.spawnRetry.Evaluate(attempt, time.Now())
		if !decision.Retry {
			return attempts, nil, fmt.Errorf("spawn exhausted after %d attempts: %w", len(attempts), res.Error)
		}
		sleepFor := time.Until(decision.NextRetryAt)
		if sleepFor > 0 {
			select {
			case <-o.ctx.Done():
				return attempts, nil, o.ctx.Err()
			case <-time.After(sleepFor):
			}
		}
	}
}

// spawnHandle is a minimal local mirror of launcher.Handle so this
// package does not need to retain the full launcher type across
// state persistence boundaries.
type spawnHandle struct {
	ID          string
	ContainerID string
}
