package orchestrator

import (
	"fmt"

	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
)

// Pause stops dispatch and merges on an explicit operator signal.
// Health polling continues so crashes are still detected.
func (o *Orchestrator) Pause(reason string) {
	o.pause(reason)
}

// Resume clears the paused state, clears any backpressure pause on the
// current level, re-runs reconciliation, and lets the loop continue at
// the same level.
func (o *Orchestrator) Resume() error {
	fs := o.store.Snapshot()
	if !fs.Paused {
		return nil
	}
	if err := o.store.SetPaused(false, ""); err != nil {
		return err
	}
	o.backpressure.Resume(fs.CurrentLevel)
	o.recon.Sweep()
	_ = o.store.AppendEvent("resumed", map[string]any{"level": fs.CurrentLevel})
	o.log.Info("orchestrator resumed", "level", fs.CurrentLevel)
	return nil
}

// RetryTask is the manual override for a permanently FAILED task: the
// retry counter is reset and the task re-enters the PENDING pool.
func (o *Orchestrator) RetryTask(id string) error {
	fs := o.store.Snapshot()
	rec, ok := fs.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if rec.Status != taskgraph.StatusFailed {
		return fmt.Errorf("task %s is %s, only FAILED tasks can be retried", id, rec.Status)
	}

	if err := o.store.ResetTaskRetry(id); err != nil {
		return err
	}
	// ReleaseTask leaves terminal tasks alone, so move FAILED to PENDING
	// first; ReleaseTask then clears the worker assignment.
	if err := o.store.SetTaskStatus(id, taskgraph.StatusPending, "", ""); err != nil {
		return err
	}
	if err := o.store.ReleaseTask(id, ""); err != nil {
		return err
	}
	o.level.SetTaskStatus(id, taskgraph.StatusPending)

	// A failed level's record goes back to running so completion
	// detection re-evaluates once the retried task resolves.
	if lr := fs.Levels[rec.Task.Level]; lr != nil && lr.Status == state.LevelFailed {
		_ = o.store.SetLevelStatus(rec.Task.Level, state.LevelRunning)
	}
	o.log.Info("task manually retried", "task_id", id)
	return nil
}

// RetryAllFailed applies RetryTask to every permanently FAILED task.
func (o *Orchestrator) RetryAllFailed() (int, error) {
	fs := o.store.Snapshot()
	n := 0
	for id, rec := range fs.Tasks {
		if rec.Status != taskgraph.StatusFailed {
			continue
		}
		if err := o.RetryTask(id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// StatusSummary renders the operator-facing progress snapshot.
func (o *Orchestrator) StatusSummary() string {
	return o.level.GetStatus() + o.store.GenerateStateMD()
}
