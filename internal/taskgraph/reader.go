package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/randalmurphal/zerg/internal/errors"
)

// Reader loads and validates a task graph file, then serves id/level
// lookups to the rest of the orchestrator.
type Reader struct {
	graph *Graph
	byID  map[string]Task
}

// Load reads the task graph JSON document at path and validates it.
func Load(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task graph: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, errors.ErrTaskGraphInvalid(fmt.Sprintf("invalid JSON: %v", err))
	}

	if err := Validate(&g); err != nil {
		return nil, err
	}

	return &Reader{graph: &g, byID: g.ByID()}, nil
}

// Graph returns the underlying parsed document.
func (r *Reader) Graph() *Graph { return r.graph }

// Task looks up a task by id.
func (r *Reader) Task(id string) (Task, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// TasksAtLevel returns all tasks declared at the given level, in the
// order they appear in the graph file (deterministic assignment order).
func (r *Reader) TasksAtLevel(level int) []Task {
	var out []Task
	for _, t := range r.graph.Tasks {
		if t.Level == level {
			out = append(out, t)
		}
	}
	return out
}

// MaxLevel returns the highest declared level.
func (r *Reader) MaxLevel() int { return r.graph.MaxLevel() }
