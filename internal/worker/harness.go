// Package worker implements the worker side of the orchestration
// contract: a harness that polls the task side-channel in its
// worktree, hands each task to an opaque executor command, verifies
// the result, commits it with the required message template, enforces
// the HEAD-must-change rule, and reports outcomes as structured log
// lines the orchestrator parses.
//
// The executor is deliberately opaque here: the harness only supervises
// it. Exit code 2 from the executor is a checkpoint (commit WIP, exit),
// 3 is blocked; anything else non-zero fails the task.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/randalmurphal/zerg/internal/gate"
	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/randalmurphal/zerg/internal/vcs"
)

// Exit codes of the harness process, as the launcher's monitor reads
// them.
const (
	ExitOK         = 0
	ExitCheckpoint = 2
	ExitBlocked    = 3
)

// TaskFile is the side-channel path, relative to the worktree, the
// orchestrator writes each dispatched task to.
const TaskFile = ".zerg/task.json"

// DefaultContextThreshold is the context-usage fraction at which the
// harness checkpoints instead of claiming another task.
const DefaultContextThreshold = 0.70

// Config carries the harness's identity and tuning. ID, Feature,
// Branch, and Worktree come from the environment the launcher set.
type Config struct {
	ID       string
	Feature  string
	Branch   string
	Worktree string

	// Entry is the task executor command. It runs in the worktree with
	// ZERG_TASK_FILE pointing at the task document.
	Entry []string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// ContextThreshold is the usage fraction (0-1] that triggers a
	// checkpoint exit. Zero disables the check.
	ContextThreshold float64
}

// FromEnv builds a Config from the variables the launcher exports.
func FromEnv() (Config, error) {
	cfg := Config{
		ID:                os.Getenv("WORKER_ID"),
		Feature:           os.Getenv("FEATURE"),
		Branch:            os.Getenv("BRANCH"),
		Worktree:          os.Getenv("WORKTREE"),
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ContextThreshold:  DefaultContextThreshold,
	}
	if v := os.Getenv("ZERG_CONTEXT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.ContextThreshold = f
		}
	}
	if cfg.ID == "" || cfg.Worktree == "" {
		return cfg, fmt.Errorf("WORKER_ID and WORKTREE must be set")
	}
	return cfg, nil
}

// Harness supervises one worker process's task loop.
type Harness struct {
	cfg Config
	git *vcs.Adapter
	out io.Writer
	log *slog.Logger

	lastTaskID     string
	tasksCompleted int
	startedAt      time.Time
}

// New returns a Harness writing structured log lines to out.
func New(cfg Config, git *vcs.Adapter, out io.Writer, log *slog.Logger) *Harness {
	if log == nil {
		log = slog.Default()
	}
	if out == nil {
		out = os.Stdout
	}
	return &Harness{cfg: cfg, git: git, out: out, log: log}
}

// logLine is the structured record the orchestrator parses: one JSON
// object per line.
type logLine struct {
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Message      string    `json:"message,omitempty"`
	WorkerID     string    `json:"worker_id"`
	Feature      string    `json:"feature,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Event        string    `json:"event,omitempty"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
	ContextUsage float64   `json:"context_usage,omitempty"`
}

func (h *Harness) emit(line logLine) {
	line.Timestamp = time.Now()
	line.WorkerID = h.cfg.ID
	line.Feature = h.cfg.Feature
	if line.Level == "" {
		line.Level = "info"
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = h.out.Write(data)
}

// Run polls for tasks until ctx is cancelled, returning the process
// exit code. A checkpoint or blocked signal from the executor ends the
// loop immediately with the corresponding code.
func (h *Harness) Run(ctx context.Context) int {
	if h.cfg.PollInterval <= 0 {
		h.cfg.PollInterval = 2 * time.Second
	}
	if h.cfg.HeartbeatInterval <= 0 {
		h.cfg.HeartbeatInterval = 30 * time.Second
	}
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	h.startedAt = time.Now()
	h.emit(logLine{Event: "heartbeat", ContextUsage: h.ContextUsage()})

	for {
		select {
		case <-ctx.Done():
			return ExitOK
		case <-heartbeat.C:
			h.emit(logLine{Event: "heartbeat", ContextUsage: h.ContextUsage()})
		case <-ticker.C:
			// Checkpoint before claiming, so a near-exhausted worker
			// never starts work it cannot finish.
			if h.ShouldCheckpoint() {
				h.emit(logLine{Level: "warn", Event: "checkpoint",
					Message: "context threshold reached", ContextUsage: h.ContextUsage()})
				return ExitCheckpoint
			}
			task, ok := h.nextTask()
			if !ok {
				continue
			}
			if code := h.RunTask(ctx, task); code != ExitOK {
				return code
			}
		}
	}
}

// ContextUsage estimates how much of the executor's context budget has
// been consumed, as a fraction: each completed task costs roughly a
// tenth, plus a slow drift with wall-clock time.
func (h *Harness) ContextUsage() float64 {
	usage := float64(h.tasksCompleted) * 0.10
	if !h.startedAt.IsZero() {
		usage += time.Since(h.startedAt).Hours() * 0.5
	}
	if usage > 1 {
		usage = 1
	}
	return usage
}

// ShouldCheckpoint reports whether the context threshold has been
// crossed and the harness should commit out and exit with code 2.
func (h *Harness) ShouldCheckpoint() bool {
	return h.cfg.ContextThreshold > 0 && h.ContextUsage() >= h.cfg.ContextThreshold
}

// nextTask reads the side-channel file, skipping a task it already
// resolved (the orchestrator removes or replaces the file when it
// dispatches the next one).
func (h *Harness) nextTask() (taskgraph.Task, bool) {
	var task taskgraph.Task
	data, err := os.ReadFile(filepath.Join(h.cfg.Worktree, TaskFile))
	if err != nil {
		return task, false
	}
	if err := json.Unmarshal(data, &task); err != nil {
		return task, false
	}
	if task.ID == "" || task.ID == h.lastTaskID {
		return task, false
	}
	return task, true
}

// RunTask executes one task end to end. The returned code is ExitOK
// unless the executor asked to checkpoint or reported itself blocked.
func (h *Harness) RunTask(ctx context.Context, task taskgraph.Task) int {
	h.lastTaskID = task.ID
	h.log.Info("task started", "task_id", task.ID)

	headBefore, err := h.git.Head(h.cfg.Worktree)
	if err != nil {
		h.fail(task.ID, fmt.Sprintf("read HEAD: %v", err))
		return ExitOK
	}

	switch code := h.runEntry(ctx, task); code {
	case 0:
		// fall through to verification
	case ExitCheckpoint:
		h.commitWIP(task)
		return ExitCheckpoint
	case ExitBlocked:
		h.fail(task.ID, "executor blocked")
		return ExitBlocked
	default:
		h.fail(task.ID, fmt.Sprintf("executor exited %d", code))
		return ExitOK
	}

	verify := gate.Verify(ctx, h.cfg.Worktree, task.Verification.Command,
		time.Duration(task.Verification.TimeoutSeconds)*time.Second)
	if verify.Outcome != gate.Pass {
		h.fail(task.ID, fmt.Sprintf("verification %s", verify.Outcome))
		return ExitOK
	}

	sha, err := h.git.Commit(h.cfg.Worktree, CommitMessage(h.cfg.ID, task))
	if err != nil {
		h.fail(task.ID, fmt.Sprintf("commit: %v", err))
		return ExitOK
	}

	// HEAD must change: a commit that did not move the branch is a
	// no-op and counts as a failure.
	headAfter, err := h.git.Head(h.cfg.Worktree)
	if err != nil || headAfter == headBefore {
		h.fail(task.ID, "commit_no_head_change")
		return ExitOK
	}

	h.tasksCompleted++
	h.emit(logLine{Event: "task_completed", TaskID: task.ID, CommitSHA: sha, ContextUsage: h.ContextUsage()})
	h.log.Info("task completed", "task_id", task.ID, "commit_sha", sha)
	return ExitOK
}

// runEntry runs the executor for one task and returns its exit code.
func (h *Harness) runEntry(ctx context.Context, task taskgraph.Task) int {
	if len(h.cfg.Entry) == 0 {
		return 0
	}

	cmd := exec.CommandContext(ctx, h.cfg.Entry[0], h.cfg.Entry[1:]...)
	cmd.Dir = h.cfg.Worktree
	cmd.Env = append(os.Environ(),
		"ZERG_TASK_ID="+task.ID,
		"ZERG_TASK_FILE="+filepath.Join(h.cfg.Worktree, TaskFile),
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 1
	}
	return 0
}

// commitWIP saves whatever the executor produced before a checkpoint
// exit, so no work is lost across the respawn.
func (h *Harness) commitWIP(task taskgraph.Task) {
	msg := fmt.Sprintf("ZERG [%s]: WIP checkpoint — %s\n\nTask-ID: %s", h.cfg.ID, task.Title, task.ID)
	if _, err := h.git.Commit(h.cfg.Worktree, msg); err != nil && err != vcs.ErrNothingToCommit {
		h.log.Error("checkpoint commit failed", "task_id", task.ID, "error", err)
	}
	h.emit(logLine{Level: "warn", Event: "checkpoint", TaskID: task.ID, Message: "context budget spent"})
}

func (h *Harness) fail(taskID, reason string) {
	h.emit(logLine{Level: "error", Event: "task_failed", TaskID: taskID, Message: reason})
	h.log.Error("task failed", "task_id", taskID, "reason", reason)
}

// CommitMessage renders the required per-task commit message template.
func CommitMessage(workerID string, task taskgraph.Task) string {
	return fmt.Sprintf("ZERG [%s]: %s\n\nTask-ID: %s", workerID, task.Title, task.ID)
}
