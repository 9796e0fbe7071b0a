package orchestrator

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/gate"
	"github.com/randalmurphal/zerg/internal/launcher"
	"github.com/randalmurphal/zerg/internal/metrics"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
)

// workerLogLine is the structured log contract a worker emits, one JSON
// object per line.
type workerLogLine struct {
	Event        string  `json:"event"`
	TaskID       string  `json:"task_id"`
	CommitSHA    string  `json:"commit_sha"`
	WorkerID     string  `json:"worker_id"`
	Message      string  `json:"message"`
	ContextUsage float64 `json:"context_usage"`
}

// checkCompletions reconciles every live worker's observed outcome into
// the state store and level controller.
func (o *Orchestrator) checkCompletions() {
	fs := o.store.Snapshot()

	for _, id := range o.workerIDs() {
		w := fs.Workers[id]
		if w == nil || !w.Status.Alive() {
			continue
		}

		o.consumeWorkerLog(w)

		switch o.launch.Monitor(w.ID) {
		case launcher.StatusRunning:
			// healthy
		case launcher.StatusStopped:
			o.handleWorkerStopped(w)
		case launcher.StatusCheckpointing:
			o.handleWorkerCheckpoint(w)
		case launcher.StatusBlocked:
			o.handleWorkerBlocked(w)
		case launcher.StatusCrashed:
			o.handleWorkerCrash(w, "worker_crash")
		}
	}
}

// consumeWorkerLog parses structured lines the worker emitted since the
// last tick and applies task_completed/task_failed/heartbeat signals.
func (o *Orchestrator) consumeWorkerLog(w *state.WorkerState) {
	out := o.launch.GetOutput(w.ID, 0)
	if out == "" {
		return
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	seen := o.logLines[w.ID]
	if seen > len(lines) {
		// Log rotated under us (respawn); start over.
		seen = 0
	}
	o.logLines[w.ID] = len(lines)

	for _, line := range lines[seen:] {
		var entry workerLogLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.ContextUsage > 0 {
			w.ContextUsage = entry.ContextUsage
		}
		switch entry.Event {
		case "task_completed":
			o.handleTaskCompleted(w, entry.TaskID, entry.CommitSHA)
		case "task_failed":
			o.handleTaskFailure(w.ID, entry.TaskID, "task_failed")
			o.idleWorker(w.ID)
		case "heartbeat", "checkpoint":
			o.recordHeartbeat(w)
		}
	}
}

// handleTaskCompleted applies the completion path: verify HEAD moved,
// mark COMPLETE, record commit and duration, return the worker to IDLE.
func (o *Orchestrator) handleTaskCompleted(w *state.WorkerState, taskID, commitSHA string) {
	fs := o.store.Snapshot()
	rec := fs.Tasks[taskID]
	if rec == nil || rec.Status.Terminal() {
		return
	}

	// HEAD verification: a nominal success that left the branch HEAD
	// unchanged is a tool-level no-op commit and counts as a failure.
	head, err := o.git.Head(w.WorktreePath)
	if err == nil && head == w.LastObservedHead {
		o.handleTaskFailure(w.ID, taskID, "commit_no_head_change")
		o.idleWorker(w.ID)
		return
	}
	if commitSHA == "" {
		commitSHA = head
	}

	// Idempotent re-verification in the worker's tree: the worker
	// already ran the command, but a crash between verify and report
	// makes task execution at-least-once, so the claim is re-checked.
	_ = o.store.SetTaskStatus(taskID, taskgraph.StatusVerifying, w.ID, "")
	verify := rec.Task.Verification
	vres := gate.Verify(o.ctx, w.WorktreePath, verify.Command,
		time.Duration(verify.TimeoutSeconds)*time.Second)
	if vres.Outcome != gate.Pass {
		o.handleTaskFailure(w.ID, taskID, "verification_"+strings.ToLower(string(vres.Outcome)))
		o.idleWorker(w.ID)
		return
	}

	now := time.Now()
	_ = o.store.SetTaskStatus(taskID, taskgraph.StatusComplete, w.ID, "")
	_ = o.store.SetTaskCommit(taskID, commitSHA)
	if !rec.StartedAt.IsZero() {
		_ = o.store.RecordTaskDuration(taskID, now.Sub(rec.StartedAt).Milliseconds())
	}
	o.level.MarkTaskComplete(taskID)
	o.circuits.RecordSuccess(w.ID)

	lvl := rec.Task.Level
	o.backpressure.RecordOutcome(lvl, true)
	metrics.TasksTotal.WithLabelValues(string(taskgraph.StatusComplete), strconv.Itoa(lvl)).Inc()
	if !rec.StartedAt.IsZero() {
		metrics.TaskDuration.WithLabelValues(strconv.Itoa(lvl)).Observe(now.Sub(rec.StartedAt).Seconds())
	}

	w.LastObservedHead = head
	w.LastHeartbeat = now
	w.LastTaskCompleted = now
	w.TasksCompleted++
	w.Status = state.WorkerIdle
	_ = o.store.SetWorkerState(w)

	_ = o.store.AppendEvent(string(events.EventTaskCompleted), map[string]any{
		"task_id": taskID, "worker_id": w.ID, "commit_sha": commitSHA,
	})
	ev := events.NewEvent(events.EventTaskCompleted, o.feature, events.TaskOutcome{
		TaskID: taskID, WorkerID: w.ID, CommitSHA: commitSHA,
	})
	ev.TaskID = taskID
	ev.WorkerID = w.ID
	ev.Level = lvl
	o.publisher.Publish(ev)
	o.log.Info("task completed", "task_id", taskID, "worker_id", w.ID, "commit_sha", commitSHA)
}

// handleTaskFailure applies the retry policy: schedule
// a backoff retry while budget remains, otherwise FAILED permanently.
func (o *Orchestrator) handleTaskFailure(workerID, taskID, reason string) {
	fs := o.store.Snapshot()
	rec := fs.Tasks[taskID]
	if rec == nil || rec.Status.Terminal() || rec.Status == taskgraph.StatusWaitingRetry {
		return
	}

	lvl := rec.Task.Level
	o.circuits.RecordFailure(workerID)
	o.backpressure.RecordOutcome(lvl, false)
	metrics.TasksTotal.WithLabelValues(string(taskgraph.StatusFailed), strconv.Itoa(lvl)).Inc()

	decision := o.taskRetry.Evaluate(rec.RetryCount, time.Now())
	if decision.Retry {
		if _, err := o.store.IncrementTaskRetry(taskID); err != nil {
			o.log.Error("increment retry", "task_id", taskID, "error", err)
		}
		_ = o.store.SetTaskStatus(taskID, taskgraph.StatusWaitingRetry, "", reason)
		_ = o.store.ScheduleRetry(taskID, decision.NextRetryAt)
		o.level.SetTaskStatus(taskID, taskgraph.StatusWaitingRetry)
		o.log.Warn("task failed, retry scheduled",
			"task_id", taskID, "worker_id", workerID, "reason", reason,
			"retry_at", decision.NextRetryAt)
	} else {
		_ = o.store.SetTaskStatus(taskID, taskgraph.StatusFailed, "", reason)
		o.level.MarkTaskFailed(taskID)
		o.log.Error("task failed permanently",
			"task_id", taskID, "worker_id", workerID, "reason", reason,
			"retries", rec.RetryCount)
	}

	_ = o.store.AppendEvent(string(events.EventTaskFailed), map[string]any{
		"task_id": taskID, "worker_id": workerID, "reason": reason, "retry_count": rec.RetryCount,
	})
	ev := events.NewEvent(events.EventTaskFailed, o.feature, events.TaskOutcome{
		TaskID: taskID, WorkerID: workerID, Error: reason, RetryCount: rec.RetryCount,
	})
	ev.TaskID = taskID
	ev.WorkerID = workerID
	ev.Level = lvl
	o.publisher.Publish(ev)

	if o.backpressure.IsPaused(lvl) {
		_ = o.store.AppendEvent(string(events.EventRecoverableError), map[string]any{
			"level": lvl, "reason": "backpressure_tripped",
		})
		metrics.BackpressurePauses.WithLabelValues(strconv.Itoa(lvl)).Inc()
		o.log.Warn("level paused by backpressure", "level", lvl)
	}
}

// idleWorker returns a RUNNING worker to IDLE after its task resolved.
func (o *Orchestrator) idleWorker(workerID string) {
	fs := o.store.Snapshot()
	if w := fs.Workers[workerID]; w != nil && w.Status == state.WorkerRunning {
		_ = o.store.SetWorkerStatus(workerID, state.WorkerIdle)
	}
}

// recordHeartbeat stamps a worker's liveness in state and appends the
// durable heartbeat entry the staleness check reads.
func (o *Orchestrator) recordHeartbeat(w *state.WorkerState) {
	w.LastHeartbeat = time.Now()
	_ = o.store.SetWorkerState(w)
	_ = o.store.AppendEvent(string(events.EventHeartbeat), map[string]any{"worker_id": w.ID})
}

// handleWorkerStopped records a clean exit (code 0: no more tasks).
// Any in-flight task is released; the reconciler would otherwise treat
// the stopped worker as a crash.
func (o *Orchestrator) handleWorkerStopped(w *state.WorkerState) {
	o.releaseWorkerTasks(w.ID, "worker_stopped")
	_ = o.store.SetWorkerStatus(w.ID, state.WorkerStopped)
	_ = o.store.AppendEvent(string(events.EventWorkerStopped), map[string]any{"worker_id": w.ID})
	ev := events.NewEvent(events.EventWorkerStopped, o.feature, nil)
	ev.WorkerID = w.ID
	o.publisher.Publish(ev)
	o.log.Info("worker stopped", "worker_id", w.ID)
}

// handleWorkerCheckpoint handles a voluntary checkpoint exit (code 2):
// the worker committed WIP and quit because its context budget is
// spent. Its in-flight task is released and the worker is respawned.
func (o *Orchestrator) handleWorkerCheckpoint(w *state.WorkerState) {
	o.releaseWorkerTasks(w.ID, "worker_checkpoint")
	_ = o.store.SetWorkerStatus(w.ID, state.WorkerCheckpointing)
	o.log.Info("worker checkpointed", "worker_id", w.ID)
	o.maybeRespawn(w)
}

// handleWorkerBlocked marks a worker that exited with the blocked code
// (3); its task is released for another worker.
func (o *Orchestrator) handleWorkerBlocked(w *state.WorkerState) {
	o.releaseWorkerTasks(w.ID, "worker_blocked")
	_ = o.store.SetWorkerStatus(w.ID, state.WorkerBlocked)
	o.log.Warn("worker blocked", "worker_id", w.ID)
}

// releaseWorkerTasks returns every non-terminal task assigned to
// workerID to PENDING with its retry counter intact.
func (o *Orchestrator) releaseWorkerTasks(workerID, reason string) {
	fs := o.store.Snapshot()
	for id, rec := range fs.Tasks {
		if rec.WorkerID != workerID {
			continue
		}
		switch rec.Status {
		case taskgraph.StatusClaimed, taskgraph.StatusInProgress, taskgraph.StatusVerifying:
			_ = o.store.ReleaseTask(id, reason)
			o.level.SetTaskStatus(id, taskgraph.StatusPending)
			o.log.Info("task released", "task_id", id, "worker_id", workerID, "reason", reason)
		}
	}
}
