package launcher

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContainerLauncher spawns workers as containers via a configured
// container engine CLI (docker, podman, ...). Container log output is
// naturally line-structured, so it is tailed through a zerolog logger
// before being translated into the shared event log.
type ContainerLauncher struct {
	engine string // "docker" or "podman"
	image  string
	log    zerolog.Logger

	mu      sync.Mutex
	workers map[string]*containerHandle
}

type containerHandle struct {
	containerID string
	startedAt   time.Time
}

// NewContainerLauncher returns a launcher driving engine (e.g.
// "docker") to run image for every worker.
func NewContainerLauncher(engine, image string, log zerolog.Logger) *ContainerLauncher {
	return &ContainerLauncher{engine: engine, image: image, log: log.With().Str("component", "launcher.container").Logger(), workers: make(map[string]*containerHandle)}
}

func (l *ContainerLauncher) run(args ...string) (string, error) {
	cmd := exec.Command(l.engine, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Spawn implements the three-stage contract for the container backend:
// create, run the entrypoint inside, then verify the process is still
// alive a moment later.
func (l *ContainerLauncher) Spawn(ctx context.Context, workerID, feature, worktreePath, branch string, env map[string]string) SpawnResult {
	attempt := SpawnAttempt{Timestamp: time.Now()}
	name := fmt.Sprintf("zerg-%s-worker-%s", feature, workerID)

	args := []string{"run", "-d", "--name", name,
		"-v", worktreePath + ":" + worktreePath,
		"-w", worktreePath,
		"-e", "WORKER_ID=" + workerID,
		"-e", "FEATURE=" + feature,
		"-e", "BRANCH=" + branch,
		"-e", "WORKTREE=" + worktreePath,
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, l.image)

	// Stage 1: container start.
	containerID, err := l.run(args...)
	if err != nil {
		attempt.Error = err.Error()
		l.log.Error().Err(err).Str("worker_id", workerID).Msg("container create failed")
		return SpawnResult{Attempt: attempt, Error: fmt.Errorf("create container for worker %s: %w", workerID, err)}
	}
	attempt.ContainerID = containerID

	// Stage 2: entrypoint exec success — container still reported running
	// immediately after creation.
	state, err := l.run("inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil || strings.TrimSpace(state) != "true" {
		_, _ = l.run("rm", "-f", containerID)
		attempt.Error = "entrypoint did not start"
		l.log.Error().Str("worker_id", workerID).Str("container_id", containerID).Msg("exec validation failed")
		return SpawnResult{Attempt: attempt, Error: fmt.Errorf("worker %s: %s", workerID, attempt.Error)}
	}
	attempt.ExecSuccess = true

	// Stage 3: process verified running after a short grace delay.
	time.Sleep(100 * time.Millisecond)
	state, err = l.run("inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil || strings.TrimSpace(state) != "true" {
		_, _ = l.run("rm", "-f", containerID)
		attempt.Error = "process not running after grace period"
		return SpawnResult{Attempt: attempt, Error: fmt.Errorf("worker %s: %s", workerID, attempt.Error)}
	}
	attempt.ProcessVerified = true
	attempt.Success = true

	l.mu.Lock()
	l.workers[workerID] = &containerHandle{containerID: containerID, startedAt: time.Now()}
	l.mu.Unlock()

	l.log.Info().Str("worker_id", workerID).Str("container_id", containerID).Msg("worker container spawned")
	return SpawnResult{Success: true, Handle: &Handle{ID: uuid.NewString(), ContainerID: containerID}, Attempt: attempt}
}

// Monitor translates docker/podman state to the shared worker status:
// running→RUNNING, paused→CHECKPOINTING, exited→STOPPED,
// dead→CRASHED, unknown→STOPPED.
func (l *ContainerLauncher) Monitor(workerID string) WorkerStatus {
	l.mu.Lock()
	h, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return StatusStopped
	}

	state, err := l.run("inspect", "-f", "{{.State.Status}}", h.containerID)
	if err != nil {
		return StatusCrashed
	}
	switch strings.TrimSpace(state) {
	case "running":
		return StatusRunning
	case "paused":
		return StatusCheckpointing
	case "exited":
		return StatusStopped
	case "dead":
		return StatusCrashed
	default:
		return StatusStopped
	}
}

// Terminate stops then removes the container; force skips the
// graceful stop window.
func (l *ContainerLauncher) Terminate(workerID string, force bool) bool {
	l.mu.Lock()
	h, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return false
	}

	if !force {
		_, _ = l.run("stop", "--time", "10", h.containerID)
	}
	_, err := l.run("rm", "-f", h.containerID)
	return err == nil
}

// GetOutput returns the last tailLines lines of the container's logs.
func (l *ContainerLauncher) GetOutput(workerID string, tailLines int) string {
	l.mu.Lock()
	h, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return ""
	}

	tail := "all"
	if tailLines > 0 {
		tail = fmt.Sprintf("%d", tailLines)
	}
	out, _ := l.run("logs", "--tail", tail, h.containerID)

	var sb strings.Builder
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// GetHandle returns the backend handle for workerID.
func (l *ContainerLauncher) GetHandle(workerID string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.workers[workerID]
	if !ok {
		return nil, false
	}
	return &Handle{ContainerID: h.containerID}, true
}

// TerminateAll stops and removes every tracked container.
func (l *ContainerLauncher) TerminateAll(force bool) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.workers))
	for id := range l.workers {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		l.Terminate(id, force)
	}
}

// Exec runs an administrative command inside the worker's container
// (e.g. a verification probe), guarded by the exec validation rules
// unless validate is false.
func (l *ContainerLauncher) Exec(workerID, command string, validate bool) (string, error) {
	if err := ValidateExec(command, validate); err != nil {
		return "", err
	}

	l.mu.Lock()
	h, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no container for worker %s", workerID)
	}

	args := append([]string{"exec", h.containerID}, strings.Fields(command)...)
	out, err := l.run(args...)
	if err != nil {
		return out, fmt.Errorf("exec in worker %s: %w", workerID, err)
	}
	return out, nil
}

// PreCleanOrphans removes any leftover containers named for this
// feature's worker prefix, left over from a prior crashed run.
func (l *ContainerLauncher) PreCleanOrphans(feature string) error {
	prefix := fmt.Sprintf("zerg-%s-worker-", feature)
	out, err := l.run("ps", "-a", "--filter", "name="+prefix, "--format", "{{.Names}}")
	if err != nil {
		return fmt.Errorf("list orphan containers: %w", err)
	}
	for _, name := range strings.Split(out, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		_, _ = l.run("rm", "-f", name)
	}
	return nil
}
