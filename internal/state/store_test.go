package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTasks() []taskgraph.Task {
	return []taskgraph.Task{
		{ID: "A-L1-1", Level: 1, Verification: taskgraph.Verification{Command: "true"}},
		{ID: "A-L1-2", Level: 1, Verification: taskgraph.Verification{Command: "true"}},
	}
}

func TestOpen_SynthesizesFreshState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.json")

	s, err := Open(path, "demo", testTasks())
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, "demo", snap.Feature)
	assert.Len(t, snap.Tasks, 2)
	assert.Equal(t, taskgraph.StatusPending, snap.Tasks["A-L1-1"].Status)
	assert.Equal(t, 1, snap.CurrentLevel)
}

func TestOpen_ReloadsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.json")

	s1, err := Open(path, "demo", testTasks())
	require.NoError(t, err)
	require.NoError(t, s1.SetCurrentLevel(2))

	s2, err := Open(path, "demo", testTasks())
	require.NoError(t, err)
	assert.Equal(t, 2, s2.Snapshot().CurrentLevel)
}

func TestClaimTask_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "demo.json"), "demo", testTasks())
	require.NoError(t, err)

	ok1, err := s.ClaimTask("A-L1-1", "worker-1")
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := s.ClaimTask("A-L1-1", "worker-2")
	require.NoError(t, err)
	assert.False(t, ok2, "second claim by a different worker must fail")

	assert.Equal(t, "worker-1", s.Snapshot().Tasks["A-L1-1"].WorkerID)
}

func TestEventLog_MonotonicTimestamps(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "demo.json"), "demo", testTasks())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent("task_started", map[string]any{"i": i}))
	}

	events := s.GetEvents(0)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp), "I7: event log must be monotonic")
	}
}

func TestGetEvents_Limit(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "demo.json"), "demo", testTasks())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendEvent("x", nil))
	}
	last3 := s.GetEvents(3)
	assert.Len(t, last3, 3)
}

func TestIncrementTaskRetry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "demo.json"), "demo", testTasks())
	require.NoError(t, err)

	n, err := s.IncrementTaskRetry("A-L1-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementTaskRetry("A-L1-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetTasksReadyForRetry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "demo.json"), "demo", testTasks())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.mutate(func(fs *FeatureState) {
		fs.Tasks["A-L1-1"].Status = taskgraph.StatusWaitingRetry
		fs.Tasks["A-L1-1"].NextRetryAt = now.Add(-time.Second)
		fs.Tasks["A-L1-2"].Status = taskgraph.StatusWaitingRetry
		fs.Tasks["A-L1-2"].NextRetryAt = now.Add(time.Hour)
	}))

	ready := s.GetTasksReadyForRetry(now)
	assert.Equal(t, []string{"A-L1-1"}, ready)
}

func TestSetLevelStatus_PreservesTimestamps(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "demo.json"), "demo", testTasks())
	require.NoError(t, err)

	require.NoError(t, s.SetLevelStatus(1, LevelRunning))
	startedAt := s.Snapshot().Levels[1].StartedAt
	require.False(t, startedAt.IsZero())

	require.NoError(t, s.SetLevelStatus(1, LevelComplete))
	snap := s.Snapshot().Levels[1]
	assert.Equal(t, startedAt, snap.StartedAt, "started_at must be preserved across transitions")
	assert.False(t, snap.CompletedAt.IsZero())
}
