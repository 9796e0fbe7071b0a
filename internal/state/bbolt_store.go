package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/zerg/internal/taskgraph"
	bolt "go.etcd.io/bbolt"
)

// featureBucket is the single bucket this backend uses, keyed by feature
// name; the whole FeatureState is stored as one JSON blob per feature, same
// shape as FileStore, just embedded in a bbolt page file instead of a
// loose JSON file. Selected via config key state_backend=boltdb for
// hosts that prefer a single embedded-DB file over one JSON document
// per feature.
var featureBucket = []byte("features")

// BoltStore is a Store implementation backed by a single bbolt file,
// useful when many features share one host and per-file JSON documents
// are undesirable (e.g. slower directory listings, many open fds).
type BoltStore struct {
	db      *bolt.DB
	feature string
	fs      *FeatureState
}

// OpenBolt opens (creating if necessary) the bbolt database at path and
// loads or seeds the named feature's state.
func OpenBolt(path, feature string, tasks []taskgraph.Task) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	s := &BoltStore{db: db, feature: feature}
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(featureBucket)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(feature))
		if raw == nil {
			s.fs = New(feature, tasks)
			data, err := json.Marshal(s.fs)
			if err != nil {
				return err
			}
			return b.Put([]byte(feature), data)
		}
		var fs FeatureState
		if err := json.Unmarshal(raw, &fs); err != nil {
			return fmt.Errorf("unmarshal feature state: %w", err)
		}
		s.fs = &fs
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Save() error {
	data, err := json.Marshal(s.fs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(featureBucket)
		return b.Put([]byte(s.feature), data)
	})
}

func (s *BoltStore) Load() (*FeatureState, error) {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(featureBucket)
		raw := b.Get([]byte(s.feature))
		if raw == nil {
			return fmt.Errorf("feature %s not found", s.feature)
		}
		var fs FeatureState
		if err := json.Unmarshal(raw, &fs); err != nil {
			return err
		}
		s.fs = &fs
		return nil
	})
	return s.fs, err
}

func (s *BoltStore) Snapshot() *FeatureState { return s.fs }

// The remaining Store methods delegate to the same in-memory mutation
// shape as FileStore but persist through bbolt; implemented by embedding
// the mutation logic directly since FeatureState is a plain struct.

func (s *BoltStore) SetTaskStatus(id string, status taskgraph.Status, workerID, errMsg string) error {
	rec, ok := s.fs.Tasks[id]
	if !ok {
		return nil
	}
	rec.Status = status
	if workerID != "" {
		rec.WorkerID = workerID
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
	return s.Save()
}

func (s *BoltStore) ClaimTask(id, workerID string) (bool, error) {
	rec, ok := s.fs.Tasks[id]
	if !ok || rec.Status != taskgraph.StatusPending {
		return false, nil
	}
	rec.Status = taskgraph.StatusClaimed
	rec.WorkerID = workerID
	return true, s.Save()
}

func (s *BoltStore) RecordTaskStarted(id string) error {
	if rec, ok := s.fs.Tasks[id]; ok {
		rec.StartedAt = time.Now()
	}
	return s.Save()
}

func (s *BoltStore) RecordTaskCompleted(id string) error {
	if rec, ok := s.fs.Tasks[id]; ok {
		rec.CompletedAt = time.Now()
	}
	return s.Save()
}

func (s *BoltStore) RecordTaskDuration(id string, ms int64) error {
	if rec, ok := s.fs.Tasks[id]; ok {
		rec.DurationMS = ms
	}
	return s.Save()
}

func (s *BoltStore) IncrementTaskRetry(id string) (int, error) {
	rec, ok := s.fs.Tasks[id]
	if !ok {
		return 0, nil
	}
	rec.RetryCount++
	return rec.RetryCount, s.Save()
}

func (s *BoltStore) ResetTaskRetry(id string) error {
	if rec, ok := s.fs.Tasks[id]; ok {
		rec.RetryCount = 0
	}
	return s.Save()
}

func (s *BoltStore) GetTasksReadyForRetry(now time.Time) []string {
	var ids []string
	for id, rec := range s.fs.Tasks {
		if rec.Status == taskgraph.StatusWaitingRetry && !rec.NextRetryAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *BoltStore) ScheduleRetry(id string, nextRetryAt time.Time) error {
	if rec, ok := s.fs.Tasks[id]; ok {
		rec.Status = taskgraph.StatusWaitingRetry
		rec.NextRetryAt = nextRetryAt
	}
	return s.Save()
}

func (s *BoltStore) PromoteReadyRetries(ids []string) error {
	for _, id := range ids {
		if rec, ok := s.fs.Tasks[id]; ok && rec.Status == taskgraph.StatusWaitingRetry {
			rec.Status = taskgraph.StatusPending
			rec.WorkerID = ""
		}
	}
	return s.Save()
}

func (s *BoltStore) SetTaskCommit(id, sha string) error {
	if rec, ok := s.fs.Tasks[id]; ok {
		rec.CommitSHA = sha
	}
	return s.Save()
}

func (s *BoltStore) ReleaseTask(id, errMsg string) error {
	rec, ok := s.fs.Tasks[id]
	if !ok || rec.Status.Terminal() {
		return nil
	}
	rec.Status = taskgraph.StatusPending
	rec.WorkerID = ""
	rec.StartedAt = time.Time{}
	if errMsg != "" {
		rec.Error = errMsg
	}
	return s.Save()
}

func (s *BoltStore) SetWorkerState(ws *WorkerState) error {
	s.fs.Workers[ws.ID] = ws
	return s.Save()
}

func (s *BoltStore) SetWorkerReady(id string) error {
	if w, ok := s.fs.Workers[id]; ok {
		w.Status = WorkerReady
		w.ReadyAt = time.Now()
	}
	return s.Save()
}

func (s *BoltStore) SetWorkerStatus(id string, status WorkerStatus) error {
	w, ok := s.fs.Workers[id]
	if !ok {
		return s.Save()
	}
	w.Status = status
	if status == WorkerReady && w.ReadyAt.IsZero() {
		w.ReadyAt = time.Now()
	}
	return s.Save()
}

func (s *BoltStore) GetReadyWorkers() []*WorkerState {
	var out []*WorkerState
	for _, w := range s.fs.Workers {
		if w.Status == WorkerReady || w.Status == WorkerIdle {
			out = append(out, w)
		}
	}
	return out
}

func (s *BoltStore) SetLevelStatus(level int, status LevelStatus) error {
	lr := s.fs.Levels[level]
	if lr == nil {
		lr = &LevelRecord{Level: level}
		s.fs.Levels[level] = lr
	}
	lr.Status = status
	return s.Save()
}

func (s *BoltStore) SetLevelMergeStatus(level int, status LevelMergeStatus, commitID string) error {
	lr := s.fs.Levels[level]
	if lr == nil {
		lr = &LevelRecord{Level: level}
		s.fs.Levels[level] = lr
	}
	lr.MergeStatus = status
	if commitID != "" {
		lr.MergeCommitID = commitID
	}
	return s.Save()
}

func (s *BoltStore) SetLevelCounts(level int, completed, failed int) error {
	lr := s.fs.Levels[level]
	if lr == nil {
		lr = &LevelRecord{Level: level}
		s.fs.Levels[level] = lr
	}
	lr.CompletedTasks = completed
	lr.FailedTasks = failed
	return s.Save()
}

func (s *BoltStore) AppendEvent(eventType string, data map[string]any) error {
	s.fs.ExecutionLog = append(s.fs.ExecutionLog, Event{Timestamp: time.Now(), Type: eventType, Data: data})
	return s.Save()
}

func (s *BoltStore) GetEvents(limit int) []Event {
	log := s.fs.ExecutionLog
	if limit <= 0 || limit >= len(log) {
		return log
	}
	return log[len(log)-limit:]
}

func (s *BoltStore) SetPaused(paused bool, reason string) error {
	s.fs.Paused = paused
	if paused && reason != "" {
		s.fs.Error = reason
	}
	return s.Save()
}

func (s *BoltStore) SetError(msg string) error {
	s.fs.Error = msg
	return s.Save()
}

func (s *BoltStore) SetCurrentLevel(level int) error {
	s.fs.CurrentLevel = level
	return s.Save()
}

func (s *BoltStore) GenerateStateMD() string {
	return fmt.Sprintf("# %s\ncurrent level: %d\npaused: %v\n", s.fs.Feature, s.fs.CurrentLevel, s.fs.Paused)
}
