package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/zerg/internal/config"
	"github.com/randalmurphal/zerg/internal/launcher"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/randalmurphal/zerg/internal/vcs"
)

// scriptedGit fakes every git invocation the orchestrator and merge
// coordinator issue, tracking a per-directory HEAD sequence so the
// HEAD-must-change verification can be driven from tests.
type scriptedGit struct {
	mu               sync.Mutex
	heads            map[string]int
	branches         map[string]bool
	conflictBranches map[string]bool
	failMerges       int
	inConflict       bool
}

func newScriptedGit() *scriptedGit {
	return &scriptedGit{
		heads:            make(map[string]int),
		branches:         map[string]bool{"main": true},
		conflictBranches: make(map[string]bool),
	}
}

func (g *scriptedGit) bumpHead(dir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heads[dir]++
}

func (g *scriptedGit) Run(workDir, name string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if name != "git" {
		return "", fmt.Errorf("unexpected command %s", name)
	}

	switch args[0] {
	case "worktree":
		if len(args) >= 2 && args[1] == "add" && args[2] == "-b" {
			g.branches[args[3]] = true
		}
		return "", nil

	case "branch":
		if args[1] == "-D" {
			delete(g.branches, args[2])
			return "", nil
		}
		g.branches[args[1]] = true
		return "", nil

	case "show-ref":
		branch := strings.TrimPrefix(args[3], "refs/heads/")
		if g.branches[branch] {
			return "", nil
		}
		return "", &vcs.CommandError{Command: "git", Args: args, Output: "exit status 1", Err: errors.New("exit status 1")}

	case "checkout":
		return "", nil

	case "merge":
		switch args[1] {
		case "--abort":
			g.inConflict = false
			return "", nil
		case "--ff-only":
			g.heads[workDir]++
			return "", nil
		}
		branch := args[len(args)-1]
		if g.conflictBranches[branch] {
			g.inConflict = true
			return "", errors.New("automatic merge failed; fix conflicts")
		}
		if g.failMerges > 0 {
			g.failMerges--
			return "", errors.New("index.lock busy")
		}
		g.heads[workDir]++
		return "", nil

	case "diff":
		if g.inConflict {
			return "conflicted_file.go", nil
		}
		return "", nil

	case "rev-parse":
		if args[1] == "--git-path" {
			return ".git/hooks", nil
		}
		return fmt.Sprintf("head-%s-%d", filepath.Base(workDir), g.heads[workDir]), nil
	}

	return "", fmt.Errorf("unhandled git args %v", args)
}

// fakeLauncher scripts spawn outcomes and worker output without any
// real processes.
type fakeLauncher struct {
	mu            sync.Mutex
	spawnFailures map[string]int
	statuses      map[string]launcher.WorkerStatus
	outputs       map[string][]string
	spawnAttempts map[string]int
	terminated    []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		spawnFailures: make(map[string]int),
		statuses:      make(map[string]launcher.WorkerStatus),
		outputs:       make(map[string][]string),
		spawnAttempts: make(map[string]int),
	}
}

func (l *fakeLauncher) Spawn(ctx context.Context, workerID, feature, worktreePath, branch string, env map[string]string) launcher.SpawnResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.spawnAttempts[workerID]++
	attempt := launcher.SpawnAttempt{Timestamp: time.Now()}

	if l.spawnFailures[workerID] > 0 {
		l.spawnFailures[workerID]--
		attempt.Error = "process exited immediately after start"
		return launcher.SpawnResult{Attempt: attempt, Error: errors.New(attempt.Error)}
	}

	attempt.ExecSuccess = true
	attempt.ProcessVerified = true
	attempt.Success = true
	l.statuses[workerID] = launcher.StatusRunning
	l.outputs[workerID] = nil
	return launcher.SpawnResult{
		Success: true,
		Handle:  &launcher.Handle{ID: "handle-" + workerID, PID: 1000},
		Attempt: attempt,
	}
}

func (l *fakeLauncher) Monitor(workerID string) launcher.WorkerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.statuses[workerID]; ok {
		return st
	}
	return launcher.StatusStopped
}

func (l *fakeLauncher) Terminate(workerID string, force bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, workerID)
	return true
}

func (l *fakeLauncher) GetOutput(workerID string, tailLines int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.outputs[workerID]) == 0 {
		return ""
	}
	return strings.Join(l.outputs[workerID], "\n") + "\n"
}

func (l *fakeLauncher) GetHandle(workerID string) (*launcher.Handle, bool) {
	return &launcher.Handle{ID: "handle-" + workerID}, true
}

func (l *fakeLauncher) TerminateAll(force bool) {}

func (l *fakeLauncher) setStatus(workerID string, st launcher.WorkerStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[workerID] = st
}

func (l *fakeLauncher) emit(workerID, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs[workerID] = append(l.outputs[workerID], line)
}

func testTask(id string, level int, deps ...string) taskgraph.Task {
	return taskgraph.Task{
		ID:           id,
		Title:        "task " + id,
		Level:        level,
		Dependencies: deps,
		Files:        taskgraph.Files{Create: []string{id + ".go"}},
		Verification: taskgraph.Verification{Command: "true", TimeoutSeconds: 5},
	}
}

func writeGraph(t *testing.T, dir string, tasks []taskgraph.Task) string {
	t.Helper()
	g := taskgraph.Graph{Feature: "checkout", Version: 1, TotalTasks: len(tasks), Tasks: tasks}
	data, err := json.Marshal(g)
	require.NoError(t, err)
	path := filepath.Join(dir, "tasks.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testConfig(workers int) *config.Config {
	cfg := config.Default()
	cfg.Workers.Count = workers
	cfg.Workers.SpawnBackoffBaseSec = 0
	cfg.Workers.BackoffBaseSec = 0
	cfg.Workers.BackoffMaxSec = 0
	cfg.Merge.TimeoutSeconds = 30
	return cfg
}

type harness struct {
	o     *Orchestrator
	git   *scriptedGit
	fl    *fakeLauncher
	store state.Store
}

func newHarness(t *testing.T, cfg *config.Config, tasks []taskgraph.Task) *harness {
	t.Helper()
	repoRoot := t.TempDir()

	reader, err := taskgraph.Load(writeGraph(t, repoRoot, tasks))
	require.NoError(t, err)

	store, err := state.Open(filepath.Join(repoRoot, "checkout.json"), "checkout", reader.Graph().Tasks)
	require.NoError(t, err)

	g := newScriptedGit()
	fl := newFakeLauncher()

	o := New(cfg, "checkout", repoRoot, Deps{
		Reader: reader,
		Store:  store,
		Git:    vcs.NewWithRunner(g),
		Launch: fl,
	})
	o.ctx = context.Background()
	o.mergeRetryBase = time.Millisecond

	return &harness{o: o, git: g, fl: fl, store: store}
}

// completeTask simulates a worker finishing a task: one commit on its
// branch (a HEAD bump) plus the structured completion log line.
func (h *harness) completeTask(workerID, taskID string) {
	w := h.store.Snapshot().Workers[workerID]
	h.git.bumpHead(w.WorktreePath)
	h.fl.emit(workerID, fmt.Sprintf(`{"event":"task_completed","task_id":"%s","commit_sha":"sha-%s"}`, taskID, taskID))
}

// drive ticks the loop, completing dispatched tasks as a worker would,
// until the run finishes or maxTicks elapse. onDispatch, when non-nil,
// decides per task whether the harness should auto-complete it.
func (h *harness) drive(t *testing.T, maxTicks int, onDispatch func(taskID, workerID string) bool) bool {
	t.Helper()
	inflight := make(map[string]bool)
	for i := 0; i < maxTicks; i++ {
		if h.o.tick() {
			return true
		}
		for id, rec := range h.store.Snapshot().Tasks {
			if rec.Status != taskgraph.StatusInProgress {
				delete(inflight, id)
				continue
			}
			if inflight[id] {
				continue
			}
			inflight[id] = true
			if onDispatch == nil || onDispatch(id, rec.WorkerID) {
				h.completeTask(rec.WorkerID, id)
			}
		}
	}
	return false
}

func threeLevelGraph() []taskgraph.Task {
	return []taskgraph.Task{
		testTask("T-L1-1", 1),
		testTask("T-L1-2", 1),
		testTask("T-L2-1", 2, "T-L1-1", "T-L1-2"),
		testTask("T-L2-2", 2, "T-L1-1", "T-L1-2"),
		testTask("T-L3-1", 3, "T-L2-1"),
		testTask("T-L3-2", 3, "T-L2-2"),
	}
}

func TestOrchestrator_HappyPathThreeLevels(t *testing.T) {
	h := newHarness(t, testConfig(2), threeLevelGraph())
	require.NoError(t, h.o.startup())

	fs := h.store.Snapshot()
	require.Len(t, fs.Workers, 2)
	for _, w := range fs.Workers {
		assert.Equal(t, state.WorkerReady, w.Status)
		require.Len(t, w.SpawnAttempts, 1)
		assert.True(t, w.SpawnAttempts[0].ExecSuccess)
		assert.True(t, w.SpawnAttempts[0].ProcessVerified)
	}

	done := h.drive(t, 30, nil)
	require.True(t, done, "run should finish within the tick budget")

	fs = h.store.Snapshot()
	for id, rec := range fs.Tasks {
		assert.Equal(t, taskgraph.StatusComplete, rec.Status, "task %s", id)
		assert.NotEmpty(t, rec.CommitSHA, "task %s", id)
	}
	for lvl, lr := range fs.Levels {
		assert.Equal(t, state.MergeComplete, lr.MergeStatus, "level %d", lvl)
		assert.NotEmpty(t, lr.MergeCommitID, "level %d", lvl)
	}
	assert.False(t, fs.Paused)
	assert.Empty(t, fs.Error)
}

func TestOrchestrator_AssignmentIsDeterministic(t *testing.T) {
	h := newHarness(t, testConfig(2), threeLevelGraph())
	require.NoError(t, h.o.startup())
	require.NoError(t, h.o.startLevel(1))

	fs := h.store.Snapshot()
	assert.Equal(t, "1", fs.Tasks["T-L1-1"].WorkerID)
	assert.Equal(t, "2", fs.Tasks["T-L1-2"].WorkerID)
}

func TestOrchestrator_MergeConflictPausesWithoutRetry(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())
	h.git.conflictBranches["zerg/checkout/worker-1"] = true

	done := h.drive(t, 10, nil)
	assert.False(t, done)

	fs := h.store.Snapshot()
	assert.True(t, fs.Paused)
	assert.Contains(t, fs.Error, "conflicted_file.go")
	assert.Equal(t, state.MergeConflict, fs.Levels[1].MergeStatus)

	for _, ev := range h.store.GetEvents(0) {
		assert.NotEqual(t, "merge_retry", ev.Type, "conflicts must not be retried")
	}
}

func TestOrchestrator_MergeRetryThenSuccess(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())
	h.git.failMerges = 1

	done := h.drive(t, 10, nil)
	require.True(t, done)

	retries := 0
	for _, ev := range h.store.GetEvents(0) {
		if ev.Type == "merge_retry" {
			retries++
		}
	}
	assert.Equal(t, 1, retries)

	fs := h.store.Snapshot()
	assert.Equal(t, state.MergeComplete, fs.Levels[1].MergeStatus)
	assert.False(t, fs.Paused)
}

func TestOrchestrator_MergeRetriesExhaustedPauses(t *testing.T) {
	cfg := testConfig(1)
	cfg.Merge.MaxRetries = 1
	h := newHarness(t, cfg, []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())
	h.git.failMerges = 10

	done := h.drive(t, 10, nil)
	assert.False(t, done)

	fs := h.store.Snapshot()
	assert.True(t, fs.Paused)
	assert.Equal(t, state.MergeFailed, fs.Levels[1].MergeStatus)
	assert.Contains(t, fs.Error, "merge failed after retries")
}

func TestOrchestrator_WorkerCrashReassignsTask(t *testing.T) {
	h := newHarness(t, testConfig(2), []taskgraph.Task{
		testTask("T-L1-1", 1),
		testTask("T-L1-2", 1),
	})
	require.NoError(t, h.o.startup())

	crashed := false
	done := h.drive(t, 25, func(taskID, workerID string) bool {
		if taskID == "T-L1-1" && !crashed {
			crashed = true
			h.fl.setStatus(workerID, launcher.StatusCrashed)
			return false // worker dies instead of completing
		}
		return true
	})
	require.True(t, done, "task should complete after crash recovery")

	fs := h.store.Snapshot()
	rec := fs.Tasks["T-L1-1"]
	assert.Equal(t, taskgraph.StatusComplete, rec.Status)
	assert.Equal(t, 0, rec.RetryCount, "crash is not the task's fault")
	assert.Equal(t, 1, fs.Workers["1"].RespawnAttempts)

	var crashEvents int
	for _, ev := range h.store.GetEvents(0) {
		if ev.Type == "worker_crash" {
			crashEvents++
		}
	}
	assert.Equal(t, 1, crashEvents)
}

func TestOrchestrator_TaskFailureRetriesThenCompletes(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())

	failed := false
	attempt := 0
	done := h.drive(t, 25, func(taskID, workerID string) bool {
		attempt++
		if !failed {
			failed = true
			h.fl.emit(workerID, fmt.Sprintf(`{"event":"task_failed","task_id":"%s"}`, taskID))
			return false
		}
		return true
	})
	require.True(t, done)

	rec := h.store.Snapshot().Tasks["T-L1-1"]
	assert.Equal(t, taskgraph.StatusComplete, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, 2, attempt, "task should have been dispatched twice")
}

func TestOrchestrator_RetriesExhaustedFailsPermanently(t *testing.T) {
	cfg := testConfig(1)
	cfg.Workers.RetryAttempts = 0
	h := newHarness(t, cfg, []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())

	done := h.drive(t, 6, func(taskID, workerID string) bool {
		h.fl.emit(workerID, fmt.Sprintf(`{"event":"task_failed","task_id":"%s"}`, taskID))
		return false
	})
	assert.False(t, done, "a failed level must not complete")

	fs := h.store.Snapshot()
	rec := fs.Tasks["T-L1-1"]
	assert.Equal(t, taskgraph.StatusFailed, rec.Status)
	assert.Equal(t, state.MergeNotStarted, fs.Levels[1].MergeStatus)

	// Manual retry resets the counter and lets the run finish.
	require.NoError(t, h.o.RetryTask("T-L1-1"))
	done = h.drive(t, 10, nil)
	require.True(t, done)
	assert.Equal(t, taskgraph.StatusComplete, h.store.Snapshot().Tasks["T-L1-1"].Status)
}

func TestOrchestrator_SpawnFailureThenSuccess(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	h.fl.spawnFailures["1"] = 2

	require.NoError(t, h.o.startup())

	w := h.store.Snapshot().Workers["1"]
	require.NotNil(t, w)
	assert.Equal(t, state.WorkerReady, w.Status)
	require.Len(t, w.SpawnAttempts, 3)
	assert.False(t, w.SpawnAttempts[0].ExecSuccess)
	assert.False(t, w.SpawnAttempts[0].ProcessVerified)
	assert.False(t, w.SpawnAttempts[1].Success)
	assert.True(t, w.SpawnAttempts[2].Success)
}

func TestOrchestrator_SpawnExhaustedMarksWorkerCrashed(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	h.fl.spawnFailures["1"] = 10

	require.NoError(t, h.o.startup())

	w := h.store.Snapshot().Workers["1"]
	require.NotNil(t, w)
	assert.Equal(t, state.WorkerCrashed, w.Status)
	assert.Len(t, w.SpawnAttempts, 4, "initial attempt plus spawn_retry_attempts")
}

func TestOrchestrator_NoHeadChangeIsFailure(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())

	h.o.tick() // dispatch

	rec := h.store.Snapshot().Tasks["T-L1-1"]
	require.Equal(t, taskgraph.StatusInProgress, rec.Status)

	// Completion claim without any commit: HEAD unchanged.
	h.fl.emit("1", `{"event":"task_completed","task_id":"T-L1-1","commit_sha":"bogus"}`)
	h.o.tick()

	rec = h.store.Snapshot().Tasks["T-L1-1"]
	assert.Equal(t, taskgraph.StatusWaitingRetry, rec.Status)
	assert.Equal(t, "commit_no_head_change", rec.Error)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestOrchestrator_PausedSkipsDispatch(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())

	h.o.Pause("operator hold")
	h.o.tick()

	rec := h.store.Snapshot().Tasks["T-L1-1"]
	assert.Equal(t, taskgraph.StatusPending, rec.Status)

	require.NoError(t, h.o.Resume())
	done := h.drive(t, 10, nil)
	require.True(t, done)
}

func TestOrchestrator_ContextUsagePropagatesFromWorkerLog(t *testing.T) {
	h := newHarness(t, testConfig(1), []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())

	h.fl.emit("1", `{"event":"heartbeat","context_usage":0.42}`)
	h.o.tick()

	w := h.store.Snapshot().Workers["1"]
	assert.InDelta(t, 0.42, w.ContextUsage, 0.001)
	assert.False(t, w.LastHeartbeat.IsZero())
}

func TestOrchestrator_TaskTimeoutReleasesWithCounterIntact(t *testing.T) {
	cfg := testConfig(1)
	h := newHarness(t, cfg, []taskgraph.Task{testTask("T-L1-1", 1)})
	require.NoError(t, h.o.startup())
	h.o.heartbeats.TaskTimeout = time.Nanosecond

	h.o.tick() // dispatch
	require.Equal(t, taskgraph.StatusInProgress, h.store.Snapshot().Tasks["T-L1-1"].Status)

	time.Sleep(2 * time.Millisecond)
	h.o.tick() // stale sweep releases it

	rec := h.store.Snapshot().Tasks["T-L1-1"]
	assert.Equal(t, "task_timeout", rec.Error)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Empty(t, rec.WorkerID)
}
