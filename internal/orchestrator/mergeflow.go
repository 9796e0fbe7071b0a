package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	zerrors "github.com/randalmurphal/zerg/internal/errors"
	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/merge"
	"github.com/randalmurphal/zerg/internal/metrics"
	"github.com/randalmurphal/zerg/internal/state"
)

// defaultMergeRetryBase is the first backoff between merge attempts,
// doubling per retry.
const defaultMergeRetryBase = 10 * time.Second

// checkLevelCompletion runs once per tick after completions have been
// reconciled: when the current level is complete it triggers the merge
// flow and advances, and it returns true once every level has merged
// (the whole feature is done).
func (o *Orchestrator) checkLevelCompletion() bool {
	fs := o.store.Snapshot()
	n := fs.CurrentLevel

	if lr := fs.Levels[n]; lr != nil && lr.MergeStatus == state.MergeComplete {
		// Merge already landed (resume path); just advance or finish.
		return o.advanceOrFinish(n)
	}

	if !o.level.IsLevelComplete(n) {
		// Every task terminal but some FAILED: the level stalls until an
		// operator retries or overrides.
		if o.level.IsLevelResolved(n) {
			if lr := fs.Levels[n]; lr != nil && lr.Status != state.LevelFailed {
				_ = o.store.SetLevelStatus(n, state.LevelFailed)
				_ = o.store.AppendEvent(string(events.EventRecoverableError), map[string]any{
					"level": n, "reason": "level_has_failed_tasks",
				})
				o.log.Error("level stalled on failed tasks", "level", n)
			}
		}
		return false
	}

	// Level-transition reconciliation: every member task must be
	// terminal before the merge is allowed to run.
	res, notTerminal := o.recon.AssertLevelTerminal(n)
	if len(res.Fixes) > 0 {
		metrics.ReconciliationFixes.Add(float64(len(res.Fixes)))
	}
	if len(notTerminal) > 0 {
		o.log.Error("level looked complete but tasks are not terminal",
			"level", n, "tasks", notTerminal)
		return false
	}
	if _, err := o.recon.SyncLevelCounts(n); err != nil {
		o.log.Error("sync level counts", "level", n, "error", err)
	}

	_ = o.store.SetLevelStatus(n, state.LevelComplete)

	if !o.runMergeForLevel(n) {
		return false
	}
	return o.advanceOrFinish(n)
}

// advanceOrFinish moves to the next level, or reports the run done when
// level n was the last one.
func (o *Orchestrator) advanceOrFinish(n int) bool {
	next, ok := o.level.AdvanceLevel(n)
	if !ok {
		_ = o.store.AppendEvent(string(events.EventLevelComplete), map[string]any{
			"level": n, "final": true,
		})
		o.log.Info("all levels complete", "final_level", n)
		return true
	}

	if err := o.startLevel(next); err != nil {
		o.log.Error("advance to next level", "level", next, "error", err)
		return false
	}
	return false
}

// runMergeForLevel drives FullMergeFlow under the configured timeout,
// retrying non-conflict failures with exponential backoff. Conflicts
// pause immediately; exhausted retries pause with a recoverable error.
func (o *Orchestrator) runMergeForLevel(n int) bool {
	_ = o.store.SetLevelMergeStatus(n, state.MergeMerging, "")
	_ = o.store.AppendEvent(string(events.EventMergeStarted), map[string]any{"level": n})

	branches := o.liveWorkerBranches()
	ev := events.NewEvent(events.EventMergeStarted, o.feature, events.MergeProgress{
		Level: n, TargetBranch: o.target, SourceBranches: branches,
	})
	ev.Level = n
	o.publisher.Publish(ev)

	timeout := time.Duration(o.cfg.Merge.TimeoutSeconds) * time.Second
	backoff := o.mergeRetryBase
	if backoff <= 0 {
		backoff = defaultMergeRetryBase
	}

	for attempt := 1; ; attempt++ {
		timer := metrics.NewTimer()
		res := o.mergeOnce(n, branches, timeout)
		timer.ObserveDuration(metrics.MergeDuration)
		metrics.MergeAttempts.WithLabelValues(strconv.Itoa(n), mergeOutcome(res)).Inc()

		if res.Success {
			_ = o.store.SetLevelMergeStatus(n, state.MergeComplete, res.MergeCommit)
			_ = o.store.AppendEvent(string(events.EventMergeComplete), map[string]any{
				"level": n, "merge_commit": res.MergeCommit,
			})
			done := events.NewEvent(events.EventMergeComplete, o.feature, events.MergeProgress{
				Level: n, TargetBranch: o.target, MergeCommit: res.MergeCommit,
			})
			done.Level = n
			o.publisher.Publish(done)
			o.flagWorkerBranchesForRebase()
			o.log.Info("level merged", "level", n, "merge_commit", res.MergeCommit)
			return true
		}

		var oe *zerrors.OrchError
		if errors.As(res.Error, &oe) && oe.Code == zerrors.CodeMergeConflict {
			// Conflicts are never retried: the partial
			// merges were on staging only and have been rolled back.
			_ = o.store.SetLevelMergeStatus(n, state.MergeConflict, "")
			o.pause(res.Error.Error())
			return false
		}

		if attempt > o.cfg.Merge.MaxRetries {
			_ = o.store.SetLevelMergeStatus(n, state.MergeFailed, "")
			_ = o.store.AppendEvent(string(events.EventRecoverableError), map[string]any{
				"level": n, "reason": "merge_retries_exhausted", "error": res.Error.Error(),
			})
			o.pause("merge failed after retries: " + res.Error.Error())
			return false
		}

		_ = o.store.AppendEvent(string(events.EventMergeRetry), map[string]any{
			"level": n, "attempt": attempt, "error": res.Error.Error(),
		})
		retry := events.NewEvent(events.EventMergeRetry, o.feature, events.MergeProgress{
			Level: n, TargetBranch: o.target, Attempt: attempt, Error: res.Error.Error(),
		})
		retry.Level = n
		o.publisher.Publish(retry)
		o.log.Warn("merge attempt failed, retrying",
			"level", n, "attempt", attempt, "backoff", backoff, "error", res.Error)

		select {
		case <-o.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func mergeOutcome(res merge.Result) string {
	if res.Success {
		return "success"
	}
	var oe *zerrors.OrchError
	if errors.As(res.Error, &oe) && oe.Code == zerrors.CodeMergeConflict {
		return "conflict"
	}
	return "failure"
}

// mergeOnce runs one FullMergeFlow bounded by timeout: the flow runs in
// its own goroutine so an unresponsive merge can never block the
// orchestrator loop past the deadline.
func (o *Orchestrator) mergeOnce(n int, branches []string, timeout time.Duration) merge.Result {
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()

	ch := make(chan merge.Result, 1)
	go func() {
		ch <- o.merger.FullMergeFlow(ctx, o.feature, n, branches, o.target, false)
	}()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return merge.Result{Level: n, TargetBranch: o.target, Error: zerrors.ErrMergeTimeout(n), Timestamp: time.Now()}
	}
}

// liveWorkerBranches returns the branch of every worker that has done
// or could still do work this level, sorted by worker id.
func (o *Orchestrator) liveWorkerBranches() []string {
	fs := o.store.Snapshot()
	var branches []string
	for _, id := range o.workerIDs() {
		w := fs.Workers[id]
		if w == nil || w.Branch == "" {
			continue
		}
		branches = append(branches, w.Branch)
	}
	return branches
}

// flagWorkerBranchesForRebase marks every live worker branch as behind
// the target; dispatch syncs each branch before its next task.
func (o *Orchestrator) flagWorkerBranchesForRebase() {
	fs := o.store.Snapshot()
	for id, w := range fs.Workers {
		if w.Status.Alive() {
			o.needsRebase[id] = true
		}
	}
}

// pause enters the paused-for-intervention state: dispatch and merges
// stop, health polling continues, and state is preserved for an
// operator.
func (o *Orchestrator) pause(reason string) {
	_ = o.store.SetPaused(true, reason)
	_ = o.store.AppendEvent(string(events.EventPausedForIntervention), map[string]any{"reason": reason})
	ev := events.NewEvent(events.EventPausedForIntervention, o.feature, events.InterventionRequired{Reason: reason})
	o.publisher.Publish(ev)
	o.log.Error("orchestrator paused", "reason", reason)
}
