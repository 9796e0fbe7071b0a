package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/randalmurphal/zerg/internal/errors"
)

// Validate enforces the task-graph invariants:
//   - all ids unique
//   - every dependency resolves
//   - a predecessor's level is strictly less than its dependent's level
//   - create ∪ modify is pairwise disjoint across all tasks
//   - no dependency cycles
func Validate(g *Graph) error {
	if g.Feature == "" {
		return errors.ErrTaskGraphInvalid("feature name is required")
	}
	if len(g.Tasks) == 0 {
		return errors.ErrTaskGraphInvalid("task graph contains no tasks")
	}

	seen := make(map[string]Task, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			return errors.ErrTaskGraphInvalid("task with empty id")
		}
		if _, dup := seen[t.ID]; dup {
			return errors.ErrTaskGraphInvalid(fmt.Sprintf("duplicate task id %q", t.ID))
		}
		if t.Level < 1 {
			return errors.ErrTaskGraphInvalid(fmt.Sprintf("task %q has invalid level %d (must be >= 1)", t.ID, t.Level))
		}
		seen[t.ID] = t
	}

	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			pred, ok := seen[dep]
			if !ok {
				return errors.ErrTaskGraphInvalid(fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
			if pred.Level >= t.Level {
				return errors.ErrTaskGraphInvalid(fmt.Sprintf(
					"task %q (level %d) depends on %q (level %d): predecessor level must be strictly less",
					t.ID, t.Level, dep, pred.Level))
			}
		}
	}

	if cyc := findCycle(g.Tasks); cyc != nil {
		return errors.ErrTaskGraphInvalid(fmt.Sprintf("dependency cycle detected: %s", strings.Join(cyc, " -> ")))
	}

	if err := checkOwnershipDisjoint(g.Tasks); err != nil {
		return err
	}

	return nil
}

// findCycle runs a DFS over the dependency graph and returns the cycle
// path if one exists, or nil otherwise.
func findCycle(tasks []Task) []string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Found the back-edge; slice the path from dep's first occurrence.
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
				return []string{dep, id, dep}
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	// Deterministic iteration order for reproducible error messages.
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// checkOwnershipDisjoint requires that for every pair of tasks,
// their declared create∪modify sets do not overlap. Patterns containing
// glob metacharacters are matched against concrete paths from the other
// side with doublestar; two patterns that are both literal paths are
// compared by equality only.
func checkOwnershipDisjoint(tasks []Task) error {
	type owned struct {
		id    string
		paths []string
	}
	all := make([]owned, 0, len(tasks))
	for _, t := range tasks {
		all = append(all, owned{id: t.ID, paths: t.Files.Owned()})
	}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if p, q, ok := overlap(all[i].paths, all[j].paths); ok {
				return errors.ErrTaskGraphInvalid(fmt.Sprintf(
					"tasks %q and %q both claim ownership of %q/%q",
					all[i].id, all[j].id, p, q))
			}
		}
	}
	return nil
}

func overlap(a, b []string) (string, string, bool) {
	for _, p := range a {
		for _, q := range b {
			if pathsConflict(p, q) {
				return p, q, true
			}
		}
	}
	return "", "", false
}

func pathsConflict(p, q string) bool {
	if p == q {
		return true
	}
	if isGlob(p) {
		if ok, _ := doublestar.Match(p, q); ok {
			return true
		}
	}
	if isGlob(q) {
		if ok, _ := doublestar.Match(q, p); ok {
			return true
		}
	}
	return false
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}
