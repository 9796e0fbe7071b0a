package taskgraph

// DependencyClosure returns the transitive set of task ids that id
// depends on (directly or indirectly), excluding id itself.
func DependencyClosure(g *Graph, id string) []string {
	byID := g.ByID()
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		t, ok := byID[cur]
		if !ok {
			return
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	return out
}

// Consumers returns the ids of tasks that directly depend on id.
func Consumers(g *Graph, id string) []string {
	var out []string
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}

// CriticalPath returns the ids along the longest dependency chain ending
// at id (inclusive), using estimate_minutes as edge weight when present
// and 1 otherwise. Ties prefer tasks flagged CriticalPath.
func CriticalPath(g *Graph, id string) []string {
	byID := g.ByID()

	type best struct {
		weight int
		path   []string
	}
	memo := make(map[string]best)

	var walk func(string) best
	walk = func(cur string) best {
		if b, ok := memo[cur]; ok {
			return b
		}
		t, ok := byID[cur]
		if !ok {
			return best{}
		}
		w := t.EstimateMinutes
		if w <= 0 {
			w = 1
		}

		longest := best{weight: w, path: []string{cur}}
		for _, dep := range t.Dependencies {
			sub := walk(dep)
			candidate := best{weight: sub.weight + w, path: append(append([]string{}, sub.path...), cur)}
			if candidate.weight > longest.weight ||
				(candidate.weight == longest.weight && byID[dep].CriticalPath) {
				longest = candidate
			}
		}
		memo[cur] = longest
		return longest
	}

	return walk(id).path
}

// OwnershipConflicts reports every pair of task ids whose declared
// create∪modify sets overlap, for diagnostics outside of Validate
// (which fails fast on the first conflict).
func OwnershipConflicts(g *Graph) [][2]string {
	var conflicts [][2]string
	tasks := g.Tasks
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			if _, _, ok := overlap(tasks[i].Files.Owned(), tasks[j].Files.Owned()); ok {
				conflicts = append(conflicts, [2]string{tasks[i].ID, tasks[j].ID})
			}
		}
	}
	return conflicts
}
