// Package reconcile implements the state reconciler: a periodic
// and on-level-transition sweep that converges the on-disk FeatureState
// with the in-memory level controller, never losing data, only ever
// syncing one view from the other.
package reconcile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/randalmurphal/zerg/internal/level"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
)

// FixType categorizes one convergence correction.
type FixType string

const (
	FixStatusSync     FixType = "status_sync"
	FixWorkerCrash    FixType = "worker_crash_recovery"
	FixLevelBackfill  FixType = "level_backfill"
	FixLevelCountSync FixType = "level_count_sync"
)

// Fix records one correction applied during a sweep: its type, the
// affected id, the old and new values, and the reason.
type Fix struct {
	Type   FixType
	ID     string
	Field  string
	Old    string
	New    string
	Reason string
}

// Result aggregates every fix applied during one sweep.
type Result struct {
	Fixes []Fix
}

func (r *Result) record(f Fix) {
	r.Fixes = append(r.Fixes, f)
}

// idPattern matches the recommended task-id convention
// "<PREFIX>-L<level>-<seq>" so a task's level can be recovered from its
// id alone.
var idPattern = regexp.MustCompile(`-L(\d+)-`)

// Reconciler converges a Store's on-disk FeatureState with a level
// Controller's in-memory view.
type Reconciler struct {
	store      state.Store
	controller *level.Controller
}

// New returns a Reconciler operating over store and controller.
func New(store state.Store, controller *level.Controller) *Reconciler {
	return &Reconciler{store: store, controller: controller}
}

// Sweep runs the periodic-mode reconciliation: disk wins on status
// drift, crashed-worker tasks are recovered, and task ids the
// controller has no level for are reported as FixLevelBackfill with the
// level parsed from the id pattern. The parsed level is only reported;
// it is not written to the controller or the store.
func (r *Reconciler) Sweep() Result {
	var res Result
	fs := r.store.Snapshot()

	for id, rec := range fs.Tasks {
		r.recoverCrashedWorker(fs, id, rec, &res)
		r.syncStatus(id, rec, &res)
		r.backfillLevel(id, rec, &res)
	}
	return res
}

// recoverCrashedWorker marks an IN_PROGRESS task FAILED(worker_crash)
// and resets its retry counter if its assigned worker is gone or dead.
func (r *Reconciler) recoverCrashedWorker(fs *state.FeatureState, id string, rec *taskgraph.Record, res *Result) {
	if rec.Status != taskgraph.StatusInProgress {
		return
	}
	w, ok := fs.Workers[rec.WorkerID]
	if ok && w.Status.Alive() {
		return
	}

	old := string(rec.Status)
	_ = r.store.SetTaskStatus(id, taskgraph.StatusFailed, rec.WorkerID, "worker_crash")
	_ = r.store.ResetTaskRetry(id)
	r.controller.SetTaskStatus(id, taskgraph.StatusFailed)

	res.record(Fix{
		Type:   FixWorkerCrash,
		ID:     id,
		Field:  "status",
		Old:    old,
		New:    string(taskgraph.StatusFailed),
		Reason: "worker_crash",
	})
}

// syncStatus converges the controller's in-memory status to disk's
// value when they disagree (disk wins).
func (r *Reconciler) syncStatus(id string, rec *taskgraph.Record, res *Result) {
	memStatus, known := r.controller.TaskStatus(id)
	if !known || memStatus == rec.Status {
		return
	}
	r.controller.SetTaskStatus(id, rec.Status)
	res.record(Fix{
		Type:   FixStatusSync,
		ID:     id,
		Field:  "status",
		Old:    string(memStatus),
		New:    string(rec.Status),
		Reason: "disk authoritative",
	})
}

// backfillLevel parses the task's level from its id when the
// controller has no level recorded for it, and records it as a Fix;
// the controller and the store are left unchanged.
func (r *Reconciler) backfillLevel(id string, rec *taskgraph.Record, res *Result) {
	if _, known := r.controller.LevelOf(id); known {
		return
	}
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return
	}
	if _, err := strconv.Atoi(m[1]); err != nil {
		return
	}
	res.record(Fix{
		Type:   FixLevelBackfill,
		ID:     id,
		Field:  "level",
		Old:    "",
		New:    m[1],
		Reason: fmt.Sprintf("parsed from id pattern, task.level=%d", rec.Task.Level),
	})
}

// AssertLevelTerminal runs the periodic sweep, then verifies every task
// at level n is COMPLETE or FAILED, as required before advancing past
// n. It returns the ids of any
// tasks still not terminal.
func (r *Reconciler) AssertLevelTerminal(n int) (Result, []string) {
	res := r.Sweep()

	fs := r.store.Snapshot()
	var notTerminal []string
	for _, id := range r.controller.GetTasksForLevel(n) {
		rec, ok := fs.Tasks[id]
		if !ok || !rec.Status.Terminal() {
			notTerminal = append(notTerminal, id)
		}
	}
	sort.Strings(notTerminal)
	return res, notTerminal
}

// SyncLevelCounts reconciles the on-disk LevelRecord counts for n
// against disk task statuses, disk being authoritative, and returns
// any correction applied.
func (r *Reconciler) SyncLevelCounts(n int) (Result, error) {
	var res Result
	fs := r.store.Snapshot()

	lr := fs.Levels[n]
	if lr == nil {
		return res, nil
	}

	var complete, failed int
	for _, id := range r.controller.GetTasksForLevel(n) {
		rec, ok := fs.Tasks[id]
		if !ok {
			continue
		}
		switch rec.Status {
		case taskgraph.StatusComplete:
			complete++
		case taskgraph.StatusFailed:
			failed++
		}
	}

	if complete != lr.CompletedTasks || failed != lr.FailedTasks {
		old := fmt.Sprintf("%d/%d", lr.CompletedTasks, lr.FailedTasks)
		if err := r.store.SetLevelCounts(n, complete, failed); err != nil {
			return res, err
		}
		res.record(Fix{
			Type:   FixLevelCountSync,
			ID:     fmt.Sprintf("level-%d", n),
			Field:  "completed_tasks/failed_tasks",
			Old:    old,
			New:    fmt.Sprintf("%d/%d", complete, failed),
			Reason: "disk authoritative",
		})
	}

	return res, nil
}
