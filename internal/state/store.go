package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	zergerrors "github.com/randalmurphal/zerg/internal/errors"
	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/randalmurphal/zerg/internal/util"
)

// Store is the durable FeatureState contract. All methods
// are safe for concurrent use; the orchestrator is the sole expected
// writer but heartbeat/launcher goroutines may append events.
type Store interface {
	Load() (*FeatureState, error)
	Save() error
	Snapshot() *FeatureState

	SetTaskStatus(id string, status taskgraph.Status, workerID, errMsg string) error
	ClaimTask(id, workerID string) (bool, error)
	RecordTaskStarted(id string) error
	RecordTaskCompleted(id string) error
	RecordTaskDuration(id string, ms int64) error
	IncrementTaskRetry(id string) (int, error)
	ResetTaskRetry(id string) error
	GetTasksReadyForRetry(now time.Time) []string
	ScheduleRetry(id string, nextRetryAt time.Time) error
	PromoteReadyRetries(ids []string) error
	SetTaskCommit(id, sha string) error
	ReleaseTask(id, errMsg string) error

	SetWorkerState(ws *WorkerState) error
	SetWorkerReady(id string) error
	SetWorkerStatus(id string, status WorkerStatus) error
	GetReadyWorkers() []*WorkerState

	SetLevelStatus(level int, status LevelStatus) error
	SetLevelMergeStatus(level int, status LevelMergeStatus, commitID string) error
	SetLevelCounts(level int, completed, failed int) error

	AppendEvent(eventType string, data map[string]any) error
	GetEvents(limit int) []Event

	SetPaused(paused bool, reason string) error
	SetError(msg string) error
	SetCurrentLevel(level int) error

	GenerateStateMD() string
}

// FileStore persists the FeatureState as a single JSON document,
// written via temp-file-then-rename so a crash mid-write never
// corrupts the prior version.
type FileStore struct {
	path string
	mu   sync.Mutex
	fs   *FeatureState
}

// Open loads the FeatureState at path, synthesizing a fresh document
// seeded from tasks if the file does not yet exist.
func Open(path, feature string, tasks []taskgraph.Task) (*FileStore, error) {
	s := &FileStore{path: path}
	fs, err := s.load()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		fs = New(feature, tasks)
	}
	s.fs = fs
	return s, s.saveLocked()
}

func (s *FileStore) load() (*FeatureState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var fs FeatureState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, zergerrors.ErrStateParseFailed(s.path, err)
	}
	return &fs, nil
}

// Load re-reads the file from disk, replacing the in-memory copy.
func (s *FileStore) Load() (*FeatureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return nil, err
	}
	s.fs = fs
	return s.fs, nil
}

// Save writes the current in-memory state to disk atomically.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(s.fs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal feature state: %w", err)
	}
	return util.AtomicWriteFile(s.path, data, 0o644)
}

// Snapshot returns the current in-memory FeatureState. Callers must not
// mutate the returned value.
func (s *FileStore) Snapshot() *FeatureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs
}

func (s *FileStore) mutate(fn func(*FeatureState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.fs)
	return s.saveLocked()
}

// SetTaskStatus transitions a task's status, setting started_at on
// entry to IN_PROGRESS and completed_at on entry to COMPLETE.
func (s *FileStore) SetTaskStatus(id string, status taskgraph.Status, workerID, errMsg string) error {
	return s.mutate(func(fs *FeatureState) {
		rec, ok := fs.Tasks[id]
		if !ok {
			return
		}
		rec.Status = status
		if workerID != "" {
			rec.WorkerID = workerID
		}
		if status != taskgraph.StatusInProgress && status != taskgraph.StatusClaimed {
			// An empty workerID leaves worker_id unchanged here; it is
			// cleared on release back to PENDING elsewhere.
		}
		if errMsg != "" {
			rec.Error = errMsg
		}
		switch status {
		case taskgraph.StatusInProgress:
			if rec.StartedAt.IsZero() {
				rec.StartedAt = time.Now()
			}
		case taskgraph.StatusComplete:
			rec.CompletedAt = time.Now()
		}
	})
}

// ClaimTask atomically transitions a PENDING task to CLAIMED for
// workerID. Returns false if the task was not PENDING (idempotence
// law: claiming a task twice with different workers, only the first
// succeeds).
func (s *FileStore) ClaimTask(id, workerID string) (bool, error) {
	claimed := false
	err := s.mutate(func(fs *FeatureState) {
		rec, ok := fs.Tasks[id]
		if !ok || rec.Status != taskgraph.StatusPending {
			return
		}
		rec.Status = taskgraph.StatusClaimed
		rec.WorkerID = workerID
		claimed = true
	})
	return claimed, err
}

func (s *FileStore) RecordTaskStarted(id string) error {
	return s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.StartedAt = time.Now()
		}
	})
}

func (s *FileStore) RecordTaskCompleted(id string) error {
	return s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.CompletedAt = time.Now()
		}
	})
}

func (s *FileStore) RecordTaskDuration(id string, ms int64) error {
	return s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.DurationMS = ms
		}
	})
}

// IncrementTaskRetry increments and returns the new retry count.
func (s *FileStore) IncrementTaskRetry(id string) (int, error) {
	n := 0
	err := s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.RetryCount++
			n = rec.RetryCount
		}
	})
	return n, err
}

func (s *FileStore) ResetTaskRetry(id string) error {
	return s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.RetryCount = 0
		}
	})
}

// GetTasksReadyForRetry returns ids of WAITING_RETRY tasks whose
// next_retry_at has elapsed.
func (s *FileStore) GetTasksReadyForRetry(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.fs.Tasks {
		if rec.Status == taskgraph.StatusWaitingRetry && !rec.NextRetryAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ScheduleRetry transitions a task to WAITING_RETRY with the given
// next-attempt timestamp, preserving its retry counter.
func (s *FileStore) ScheduleRetry(id string, nextRetryAt time.Time) error {
	return s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.Status = taskgraph.StatusWaitingRetry
			rec.NextRetryAt = nextRetryAt
		}
	})
}

// PromoteReadyRetries transitions every listed WAITING_RETRY task back
// to PENDING, clearing its worker assignment so it can be redispatched.
func (s *FileStore) PromoteReadyRetries(ids []string) error {
	return s.mutate(func(fs *FeatureState) {
		for _, id := range ids {
			if rec, ok := fs.Tasks[id]; ok && rec.Status == taskgraph.StatusWaitingRetry {
				rec.Status = taskgraph.StatusPending
				rec.WorkerID = ""
			}
		}
	})
}

// SetTaskCommit records the commit sha a task's work landed as.
func (s *FileStore) SetTaskCommit(id, sha string) error {
	return s.mutate(func(fs *FeatureState) {
		if rec, ok := fs.Tasks[id]; ok {
			rec.CommitSHA = sha
		}
	})
}

// ReleaseTask returns a non-terminal task to PENDING with its worker
// assignment cleared and its retry counter intact. Used when a task is
// reclaimed from a stalled or crashed worker.
func (s *FileStore) ReleaseTask(id, errMsg string) error {
	return s.mutate(func(fs *FeatureState) {
		rec, ok := fs.Tasks[id]
		if !ok || rec.Status.Terminal() {
			return
		}
		rec.Status = taskgraph.StatusPending
		rec.WorkerID = ""
		rec.StartedAt = time.Time{}
		if errMsg != "" {
			rec.Error = errMsg
		}
	})
}

func (s *FileStore) SetWorkerState(ws *WorkerState) error {
	return s.mutate(func(fs *FeatureState) {
		fs.Workers[ws.ID] = ws
	})
}

func (s *FileStore) SetWorkerReady(id string) error {
	return s.mutate(func(fs *FeatureState) {
		if w, ok := fs.Workers[id]; ok {
			w.Status = WorkerReady
			w.ReadyAt = time.Now()
		}
	})
}

// SetWorkerStatus transitions a worker's status, stamping ready_at on
// entry to READY.
func (s *FileStore) SetWorkerStatus(id string, status WorkerStatus) error {
	return s.mutate(func(fs *FeatureState) {
		w, ok := fs.Workers[id]
		if !ok {
			return
		}
		w.Status = status
		if status == WorkerReady && w.ReadyAt.IsZero() {
			w.ReadyAt = time.Now()
		}
	})
}

func (s *FileStore) GetReadyWorkers() []*WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, w := range s.fs.Workers {
		if w.Status == WorkerReady || w.Status == WorkerIdle {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*WorkerState, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.fs.Workers[id])
	}
	return out
}

// SetLevelStatus transitions a level's task-progress status, stamping
// started_at/completed_at as appropriate while preserving the other.
func (s *FileStore) SetLevelStatus(level int, status LevelStatus) error {
	return s.mutate(func(fs *FeatureState) {
		lr := fs.Levels[level]
		if lr == nil {
			lr = &LevelRecord{Level: level}
			fs.Levels[level] = lr
		}
		lr.Status = status
		switch status {
		case LevelRunning:
			if lr.StartedAt.IsZero() {
				lr.StartedAt = time.Now()
			}
		case LevelComplete:
			lr.CompletedAt = time.Now()
		}
	})
}

func (s *FileStore) SetLevelMergeStatus(level int, status LevelMergeStatus, commitID string) error {
	return s.mutate(func(fs *FeatureState) {
		lr := fs.Levels[level]
		if lr == nil {
			lr = &LevelRecord{Level: level}
			fs.Levels[level] = lr
		}
		lr.MergeStatus = status
		if commitID != "" {
			lr.MergeCommitID = commitID
		}
	})
}

// SetLevelCounts overwrites a level's completed/failed task counts,
// used by the reconciler to correct drift against disk (disk's task
// statuses are authoritative; this just re-derives the level summary).
func (s *FileStore) SetLevelCounts(level int, completed, failed int) error {
	return s.mutate(func(fs *FeatureState) {
		lr := fs.Levels[level]
		if lr == nil {
			lr = &LevelRecord{Level: level}
			fs.Levels[level] = lr
		}
		lr.CompletedTasks = completed
		lr.FailedTasks = failed
	})
}

// AppendEvent appends a newest-last entry to the event log (I7: strictly
// non-decreasing timestamps).
func (s *FileStore) AppendEvent(eventType string, data map[string]any) error {
	return s.mutate(func(fs *FeatureState) {
		ts := time.Now()
		if n := len(fs.ExecutionLog); n > 0 && !fs.ExecutionLog[n-1].Timestamp.Before(ts) {
			ts = fs.ExecutionLog[n-1].Timestamp.Add(time.Nanosecond)
		}
		fs.ExecutionLog = append(fs.ExecutionLog, Event{
			ID:        uuid.NewString(),
			Timestamp: ts,
			Type:      eventType,
			Data:      data,
		})
	})
}

func (s *FileStore) GetEvents(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.fs.ExecutionLog
	if limit <= 0 || limit >= len(log) {
		out := make([]Event, len(log))
		copy(out, log)
		return out
	}
	out := make([]Event, limit)
	copy(out, log[len(log)-limit:])
	return out
}

func (s *FileStore) SetPaused(paused bool, reason string) error {
	return s.mutate(func(fs *FeatureState) {
		fs.Paused = paused
		if paused && reason != "" {
			fs.Error = reason
		}
		if !paused {
			fs.Error = ""
		}
	})
}

func (s *FileStore) SetError(msg string) error {
	return s.mutate(func(fs *FeatureState) { fs.Error = msg })
}

func (s *FileStore) SetCurrentLevel(level int) error {
	return s.mutate(func(fs *FeatureState) { fs.CurrentLevel = level })
}

// GenerateStateMD renders a human-readable snapshot of the feature
// state, used for operator status checks.
func (s *FileStore) GenerateStateMD() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.fs
	out := fmt.Sprintf("# %s\n\ncurrent level: %d\npaused: %v\n\n## Levels\n", fs.Feature, fs.CurrentLevel, fs.Paused)
	levels := make([]int, 0, len(fs.Levels))
	for lvl := range fs.Levels {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)
	for _, lvl := range levels {
		lr := fs.Levels[lvl]
		out += fmt.Sprintf("- level %d: %s (merge: %s) %d/%d complete\n",
			lr.Level, lr.Status, lr.MergeStatus, lr.CompletedTasks, lr.TotalTasks)
	}
	return out
}
