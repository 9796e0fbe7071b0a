package orchestrator

import (
	"time"

	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
)

// checkHeartbeats runs the two staleness sweeps: workers
// whose last heartbeat is too old are crashed-and-respawned, and
// IN_PROGRESS tasks past their stale timeout are released for retry.
// A disabled resilience config makes this a no-op.
func (o *Orchestrator) checkHeartbeats() {
	if !o.cfg.Resilience.Enabled {
		return
	}

	now := time.Now()
	fs := o.store.Snapshot()

	for _, id := range o.workerIDs() {
		w := fs.Workers[id]
		if w == nil || !w.Status.Alive() {
			continue
		}
		if o.heartbeats.IsWorkerStale(w.LastHeartbeat, now) {
			o.log.Warn("worker heartbeat stale",
				"worker_id", w.ID, "last_heartbeat", w.LastHeartbeat)
			o.handleWorkerCrash(w, "heartbeat_stale")
		}
	}

	for taskID, rec := range fs.Tasks {
		if rec.Status != taskgraph.StatusInProgress {
			continue
		}
		override := time.Duration(rec.Task.TaskTimeoutOverride) * time.Second
		if !o.heartbeats.IsTaskTimedOut(rec.StartedAt, now, override) {
			continue
		}
		// Released, not failed: the retry counter is preserved and the
		// task re-enters the PENDING pool.
		// The worker stays RUNNING in state: its process is still
		// chewing the released task and returns to rotation only when
		// it reports an outcome or trips the heartbeat threshold.
		_ = o.store.ReleaseTask(taskID, "task_timeout")
		o.level.SetTaskStatus(taskID, taskgraph.StatusPending)
		_ = o.store.AppendEvent(string(events.EventTaskFailed), map[string]any{
			"task_id": taskID, "worker_id": rec.WorkerID, "reason": "task_timeout",
		})
		o.log.Warn("task timed out, released",
			"task_id", taskID, "worker_id", rec.WorkerID, "started_at", rec.StartedAt)
	}
}

// handleWorkerCrash releases the worker's in-flight tasks to PENDING
// with retry counters intact (a crash is not the task's fault), marks
// the worker CRASHED, and respawns it if the budget allows.
func (o *Orchestrator) handleWorkerCrash(w *state.WorkerState, reason string) {
	if w.Status == state.WorkerCrashed {
		return
	}

	o.releaseWorkerTasks(w.ID, reason)
	_ = o.store.SetWorkerStatus(w.ID, state.WorkerCrashed)
	o.circuits.RecordFailure(w.ID)

	_ = o.store.AppendEvent(string(events.EventWorkerCrash), map[string]any{
		"worker_id": w.ID, "reason": reason,
	})
	ev := events.NewEvent(events.EventWorkerCrash, o.feature, events.WorkerFault{WorkerID: w.ID, Reason: reason})
	ev.WorkerID = w.ID
	o.publisher.Publish(ev)
	o.log.Error("worker crashed", "worker_id", w.ID, "reason", reason)

	o.maybeRespawn(w)
}

// maybeRespawn restarts a dead worker in place, reusing its worktree,
// branch, and port range, bounded by max_respawn_attempts.
func (o *Orchestrator) maybeRespawn(w *state.WorkerState) {
	if !o.cfg.Workers.AutoRespawn {
		return
	}
	if w.RespawnAttempts >= o.cfg.Workers.MaxRespawnAttempts {
		o.log.Error("respawn budget exhausted",
			"worker_id", w.ID, "attempts", w.RespawnAttempts)
		return
	}

	o.launch.Terminate(w.ID, true)
	w.RespawnAttempts++

	attempts, handle, err := o.spawnWithRetry(w.ID, w.WorktreePath, w.Branch, w.PortRangeStart, w.PortRangeEnd)
	w.SpawnAttempts = append(w.SpawnAttempts, attempts...)

	if err != nil {
		w.Status = state.WorkerCrashed
		_ = o.store.SetWorkerState(w)
		o.log.Error("respawn failed", "worker_id", w.ID, "error", err)
		return
	}

	now := time.Now()
	w.Status = state.WorkerReady
	w.HandleID = handle.ID
	w.LastHeartbeat = now
	w.ReadyAt = now
	_ = o.store.SetWorkerState(w)

	// Fresh process, fresh log: reset the parse offset so the first
	// lines of the new log are not skipped.
	o.logLines[w.ID] = 0

	ev := events.NewEvent(events.EventWorkerReady, o.feature, nil)
	ev.WorkerID = w.ID
	o.publisher.Publish(ev)
	o.log.Info("worker respawned", "worker_id", w.ID, "attempt", w.RespawnAttempts)
}
