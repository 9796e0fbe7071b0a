package taskgraph

import "sort"

// defaultEstimateMinutes is assumed for tasks without an
// estimate_minutes value when projecting a run's timeline.
const defaultEstimateMinutes = 15

// LevelTimeline is the projected wall time for one dependency wave
// under a round-robin assignment.
type LevelTimeline struct {
	Level       int
	TaskCount   int
	WallMinutes int
	// WorkerLoads maps worker slot index (0-based) to assigned minutes.
	WorkerLoads map[int]int
}

// TimelineEstimate projects how long a run would take before any
// worker is spawned: per-level wall times, the fully sequential cost,
// the critical dependency chain, and how well the configured worker
// count is utilized.
type TimelineEstimate struct {
	TotalSequentialMinutes    int
	EstimatedWallMinutes      int
	CriticalPathMinutes       int
	ParallelizationEfficiency float64
	PerLevel                  map[int]*LevelTimeline
}

func estimateOf(t Task) int {
	if t.EstimateMinutes > 0 {
		return t.EstimateMinutes
	}
	return defaultEstimateMinutes
}

// EstimateTimeline projects the run's timeline for the given worker
// count, assigning each level's tasks round-robin in sorted-id order —
// the same deterministic assignment the dispatcher uses. Levels run
// strictly sequentially, so the overall wall estimate is the sum of
// per-level walls.
func EstimateTimeline(g *Graph, workers int) TimelineEstimate {
	if workers < 1 {
		workers = 1
	}

	byLevel := make(map[int][]Task)
	total := 0
	for _, t := range g.Tasks {
		byLevel[t.Level] = append(byLevel[t.Level], t)
		total += estimateOf(t)
	}

	est := TimelineEstimate{
		TotalSequentialMinutes: total,
		PerLevel:               make(map[int]*LevelTimeline, len(byLevel)),
	}

	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	for _, lvl := range levels {
		tasks := byLevel[lvl]
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

		loads := make(map[int]int)
		for i, t := range tasks {
			loads[i%workers] += estimateOf(t)
		}

		wall := 0
		for _, load := range loads {
			if load > wall {
				wall = load
			}
		}

		est.PerLevel[lvl] = &LevelTimeline{
			Level:       lvl,
			TaskCount:   len(tasks),
			WallMinutes: wall,
			WorkerLoads: loads,
		}
		est.EstimatedWallMinutes += wall
	}

	est.CriticalPathMinutes = criticalPathMinutes(g)
	if est.EstimatedWallMinutes > 0 {
		est.ParallelizationEfficiency = float64(total) / float64(est.EstimatedWallMinutes*workers)
	}
	return est
}

// criticalPathMinutes is the weight of the longest dependency chain in
// the graph, using the same per-task estimates as the timeline.
func criticalPathMinutes(g *Graph) int {
	byID := g.ByID()
	memo := make(map[string]int)

	var walk func(string) int
	walk = func(id string) int {
		if w, ok := memo[id]; ok {
			return w
		}
		t, ok := byID[id]
		if !ok {
			return 0
		}
		longest := 0
		for _, dep := range t.Dependencies {
			if w := walk(dep); w > longest {
				longest = w
			}
		}
		memo[id] = longest + estimateOf(t)
		return memo[id]
	}

	max := 0
	for _, t := range g.Tasks {
		if w := walk(t.ID); w > max {
			max = w
		}
	}
	return max
}
