package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/randalmurphal/zerg/internal/util"
	"github.com/randalmurphal/zerg/internal/vcs"
	"github.com/randalmurphal/zerg/internal/worktree"
)

// taskFileName is the side-channel file a worker polls inside its
// worktree for its next task. Both backends use the same file.
const taskFileName = ".zerg/task.json"

// startLevel marks level n running, registers it with backpressure,
// and deterministically assigns its tasks to workers round-robin over
// sorted worker ids.
func (o *Orchestrator) startLevel(n int) error {
	if o.levelStarted[n] {
		return nil
	}

	ids, err := o.level.StartLevel(n)
	if err != nil {
		return err
	}
	o.levelStarted[n] = true

	if err := o.store.SetCurrentLevel(n); err != nil {
		return err
	}
	if err := o.store.SetLevelStatus(n, state.LevelRunning); err != nil {
		return err
	}
	o.backpressure.Register(n, len(ids))

	workers := o.workerIDs()
	if len(workers) > 0 {
		fs := o.store.Snapshot()
		for i, id := range ids {
			// Assignment only: status stays PENDING, worker_id is stored
			// on the task record so dispatch is deterministic. On resume,
			// tasks already past PENDING keep their recorded state.
			if rec := fs.Tasks[id]; rec == nil || rec.Status != taskgraph.StatusPending {
				continue
			}
			w := workers[i%len(workers)]
			if err := o.store.SetTaskStatus(id, taskgraph.StatusPending, w, ""); err != nil {
				return err
			}
		}
	}

	_ = o.store.AppendEvent(string(events.EventLevelStarted), map[string]any{"level": n, "tasks": len(ids)})
	ev := events.NewEvent(events.EventLevelStarted, o.feature, nil)
	ev.Level = n
	o.publisher.Publish(ev)
	o.log.Info("level started", "level", n, "tasks", len(ids))
	return nil
}

func (o *Orchestrator) workerIDs() []string {
	fs := o.store.Snapshot()
	ids := make([]string, 0, len(fs.Workers))
	for id := range fs.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// promoteReadyRetries moves WAITING_RETRY tasks whose backoff has
// elapsed back to PENDING so the dispatch pass can pick them up.
func (o *Orchestrator) promoteReadyRetries() {
	ids := o.store.GetTasksReadyForRetry(time.Now())
	if len(ids) == 0 {
		return
	}
	if err := o.store.PromoteReadyRetries(ids); err != nil {
		o.log.Error("promote retries", "error", err)
		return
	}
	for _, id := range ids {
		o.level.SetTaskStatus(id, taskgraph.StatusPending)
	}
	o.log.Info("retries promoted", "tasks", ids)
}

// dispatchTick feeds pending tasks of the current level to idle
// workers, subject to circuit-breaker and backpressure gates.
func (o *Orchestrator) dispatchTick() {
	fs := o.store.Snapshot()
	n := fs.CurrentLevel

	if !o.levelStarted[n] {
		if err := o.startLevel(n); err != nil {
			o.log.Error("start level", "level", n, "error", err)
			return
		}
		fs = o.store.Snapshot()
	}

	if o.backpressure.IsPaused(n) {
		return
	}

	for _, w := range o.store.GetReadyWorkers() {
		if o.needsRebase[w.ID] {
			if err := o.rebaseWorker(w); err != nil {
				o.log.Warn("worker branch rebase pending", "worker_id", w.ID, "error", err)
				continue
			}
		}

		taskID := o.nextTaskFor(fs, w.ID, n)
		if taskID == "" {
			continue
		}
		if o.cfg.Resilience.Enabled && !o.circuits.CanAcceptTask(w.ID, taskID) {
			continue
		}

		claimed, err := o.store.ClaimTask(taskID, w.ID)
		if err != nil || !claimed {
			continue
		}
		if err := o.sendTask(w, taskID); err != nil {
			o.log.Error("send task to worker", "task_id", taskID, "worker_id", w.ID, "error", err)
			_ = o.store.ReleaseTask(taskID, fmt.Sprintf("dispatch failed: %v", err))
			continue
		}

		_ = o.store.SetTaskStatus(taskID, taskgraph.StatusInProgress, w.ID, "")
		_ = o.store.RecordTaskStarted(taskID)
		o.level.MarkTaskInProgress(taskID)
		_ = o.store.SetWorkerStatus(w.ID, state.WorkerRunning)

		_ = o.store.AppendEvent(string(events.EventTaskStarted), map[string]any{"task_id": taskID, "worker_id": w.ID})
		ev := events.NewEvent(events.EventTaskStarted, o.feature, nil)
		ev.TaskID = taskID
		ev.WorkerID = w.ID
		ev.Level = n
		o.publisher.Publish(ev)
		o.log.Info("task dispatched", "task_id", taskID, "worker_id", w.ID, "level", n)
	}
}

// nextTaskFor picks the next PENDING task for workerID at level n:
// first a task assigned to it, then — so a crashed worker's backlog is
// not stranded — any pending task whose assigned worker is dead.
func (o *Orchestrator) nextTaskFor(fs *state.FeatureState, workerID string, n int) string {
	var own, orphaned []string
	for id, rec := range fs.Tasks {
		if rec.Task.Level != n || rec.Status != taskgraph.StatusPending {
			continue
		}
		switch {
		case rec.WorkerID == workerID || rec.WorkerID == "":
			own = append(own, id)
		default:
			if w, ok := fs.Workers[rec.WorkerID]; !ok || !w.Status.Alive() {
				orphaned = append(orphaned, id)
			}
		}
	}
	sort.Strings(own)
	sort.Strings(orphaned)
	if len(own) > 0 {
		return own[0]
	}
	if len(orphaned) > 0 {
		return orphaned[0]
	}
	return ""
}

// sendTask writes the task document into the worker's worktree side
// channel and records the branch HEAD observed before the task ran,
// for the HEAD-must-change verification.
func (o *Orchestrator) sendTask(w *state.WorkerState, taskID string) error {
	t, ok := o.reader.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s not in graph", taskID)
	}

	head, err := o.git.Head(w.WorktreePath)
	if err != nil {
		return fmt.Errorf("read worker HEAD: %w", err)
	}
	w.LastObservedHead = head
	if err := o.store.SetWorkerState(w); err != nil {
		return err
	}

	// Scope the commit ownership guard to this task's declared set.
	if err := worktree.SetOwnedPaths(w.WorktreePath, t.Files.Owned()); err != nil {
		return err
	}

	data, err := marshalTask(t)
	if err != nil {
		return err
	}
	path := filepath.Join(w.WorktreePath, taskFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create task channel dir: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// rebaseWorker brings a worker branch up to date with the target after
// a level merge, by merging the target into the worker's worktree. The
// worker is only handed new tasks once this sync lands.
func (o *Orchestrator) rebaseWorker(w *state.WorkerState) error {
	if err := o.git.Merge(w.WorktreePath, o.target, fmt.Sprintf("sync %s after level merge", w.Branch)); err != nil {
		if _, isConflict := err.(*vcs.MergeConflictError); isConflict {
			_ = o.git.AbortMerge(w.WorktreePath)
		}
		return err
	}
	delete(o.needsRebase, w.ID)
	return nil
}

func marshalTask(t taskgraph.Task) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return append(data, '\n'), nil
}
