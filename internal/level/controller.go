// Package level implements the in-memory level controller: the
// model of task-level structure and status that advances a level once
// every member task reaches a terminal status.
package level

import (
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/zerg/internal/errors"
	"github.com/randalmurphal/zerg/internal/taskgraph"
)

// Status summarizes one level's progress, returned by GetLevelStatus.
type Status struct {
	Level           int
	Total           int
	Complete        int
	Failed          int
	InProgress      int
	Pending         int
	ProgressPercent float64
	IsComplete      bool
}

// Controller holds the dependency-level structure built once from the
// task list and tracks live per-task status in memory.
type Controller struct {
	mu sync.Mutex

	tasksByLevel map[int][]string
	levelOf      map[string]int
	status       map[string]taskgraph.Status
	maxLevel     int
	started      map[int]bool
}

// New returns an empty Controller; Initialize seeds it from the task list.
func New() *Controller {
	return &Controller{
		tasksByLevel: make(map[int][]string),
		levelOf:      make(map[string]int),
		status:       make(map[string]taskgraph.Status),
		started:      make(map[int]bool),
	}
}

// Initialize seeds the controller from the task list, all tasks PENDING.
func (c *Controller) Initialize(tasks []taskgraph.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range tasks {
		c.tasksByLevel[t.Level] = append(c.tasksByLevel[t.Level], t.ID)
		c.levelOf[t.ID] = t.Level
		c.status[t.ID] = taskgraph.StatusPending
		if t.Level > c.maxLevel {
			c.maxLevel = t.Level
		}
	}
	for lvl := range c.tasksByLevel {
		sort.Strings(c.tasksByLevel[lvl])
	}
}

// MaxLevel returns the highest level present.
func (c *Controller) MaxLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxLevel
}

// StartLevel marks every task at level n as eligible for dispatch and
// returns their ids. Fails if level n-1 is not yet complete.
func (c *Controller) StartLevel(n int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > 1 && !c.isLevelCompleteLocked(n - 1) {
		return nil, errors.ErrLevelNotResolved(n - 1).WithDetail("requested_level", n)
	}

	c.started[n] = true
	ids := append([]string{}, c.tasksByLevel[n]...)
	return ids, nil
}

// GetTasksForLevel returns all task ids declared at level n.
func (c *Controller) GetTasksForLevel(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.tasksByLevel[n]...)
}

// GetPendingTasksForLevel returns ids at level n still PENDING.
func (c *Controller) GetPendingTasksForLevel(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, id := range c.tasksByLevel[n] {
		if c.status[id] == taskgraph.StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// MarkTaskInProgress records a task's transition to IN_PROGRESS.
func (c *Controller) MarkTaskInProgress(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = taskgraph.StatusInProgress
}

// MarkTaskComplete records a task's transition to COMPLETE.
func (c *Controller) MarkTaskComplete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = taskgraph.StatusComplete
}

// MarkTaskFailed records a task's transition to FAILED.
func (c *Controller) MarkTaskFailed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = taskgraph.StatusFailed
}

// TaskStatus returns the controller's in-memory view of a task's status.
func (c *Controller) TaskStatus(id string) (taskgraph.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.status[id]
	return st, ok
}

// SetTaskStatus overwrites the controller's in-memory status for id,
// used by the reconciler to converge on disk's authoritative value.
func (c *Controller) SetTaskStatus(id string, status taskgraph.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = status
}

// LevelOf returns the level a task was registered at.
func (c *Controller) LevelOf(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lvl, ok := c.levelOf[id]
	return lvl, ok
}

// TaskIDs returns every task id the controller knows about.
func (c *Controller) TaskIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.status))
	for id := range c.status {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsLevelComplete reports whether every task at level n is COMPLETE.
func (c *Controller) IsLevelComplete(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLevelCompleteLocked(n)
}

func (c *Controller) isLevelCompleteLocked(n int) bool {
	ids := c.tasksByLevel[n]
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if c.status[id] != taskgraph.StatusComplete {
			return false
		}
	}
	return true
}

// IsLevelResolved reports whether level n is complete-or-definitively-
// failed: every member task is COMPLETE or FAILED, and at least one is
// not simply PENDING/IN_PROGRESS.
func (c *Controller) IsLevelResolved(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.tasksByLevel[n]
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		st := c.status[id]
		if st != taskgraph.StatusComplete && st != taskgraph.StatusFailed {
			return false
		}
	}
	return true
}

// CanAdvance reports whether level current is complete and a strictly
// greater level exists in the graph.
func (c *Controller) CanAdvance(current int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLevelCompleteLocked(current) && current < c.maxLevel
}

// AdvanceLevel returns the next level number if CanAdvance(current) is
// true, or (0, false) if there is no further level.
func (c *Controller) AdvanceLevel(current int) (int, bool) {
	if !c.CanAdvance(current) {
		return 0, false
	}
	return current + 1, true
}

// GetLevelStatus returns a progress summary for level n.
func (c *Controller) GetLevelStatus(n int) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.tasksByLevel[n]
	st := Status{Level: n, Total: len(ids)}
	for _, id := range ids {
		switch c.status[id] {
		case taskgraph.StatusComplete:
			st.Complete++
		case taskgraph.StatusFailed:
			st.Failed++
		case taskgraph.StatusInProgress, taskgraph.StatusClaimed, taskgraph.StatusVerifying:
			st.InProgress++
		default:
			st.Pending++
		}
	}
	if st.Total > 0 {
		st.ProgressPercent = float64(st.Complete) / float64(st.Total) * 100
	}
	st.IsComplete = st.Total > 0 && st.Complete == st.Total
	return st
}

// GetStatus returns a human summary string across all levels (used for
// CLI/operator-facing status prints).
func (c *Controller) GetStatus() string {
	c.mu.Lock()
	levels := make([]int, 0, len(c.tasksByLevel))
	for lvl := range c.tasksByLevel {
		levels = append(levels, lvl)
	}
	c.mu.Unlock()
	sort.Ints(levels)

	out := ""
	for _, lvl := range levels {
		st := c.GetLevelStatus(lvl)
		out += fmt.Sprintf("level %d: %d/%d complete (%.0f%%)\n", st.Level, st.Complete, st.Total, st.ProgressPercent)
	}
	return out
}
