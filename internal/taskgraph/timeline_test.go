package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timelineGraph() *Graph {
	return &Graph{
		Feature: "checkout",
		Tasks: []Task{
			{ID: "T-L1-1", Level: 1, EstimateMinutes: 30},
			{ID: "T-L1-2", Level: 1, EstimateMinutes: 20},
			{ID: "T-L1-3", Level: 1, EstimateMinutes: 10},
			{ID: "T-L2-1", Level: 2, EstimateMinutes: 40, Dependencies: []string{"T-L1-1"}},
		},
	}
}

func TestEstimateTimeline_TwoWorkers(t *testing.T) {
	est := EstimateTimeline(timelineGraph(), 2)

	assert.Equal(t, 100, est.TotalSequentialMinutes)

	l1 := est.PerLevel[1]
	require.NotNil(t, l1)
	assert.Equal(t, 3, l1.TaskCount)
	// Round-robin in id order: worker 0 gets 30+10, worker 1 gets 20.
	assert.Equal(t, 40, l1.WorkerLoads[0])
	assert.Equal(t, 20, l1.WorkerLoads[1])
	assert.Equal(t, 40, l1.WallMinutes)

	l2 := est.PerLevel[2]
	require.NotNil(t, l2)
	assert.Equal(t, 40, l2.WallMinutes)

	assert.Equal(t, 80, est.EstimatedWallMinutes)
	assert.InDelta(t, 100.0/160.0, est.ParallelizationEfficiency, 0.001)
}

func TestEstimateTimeline_SingleWorkerIsSequential(t *testing.T) {
	est := EstimateTimeline(timelineGraph(), 1)
	assert.Equal(t, est.TotalSequentialMinutes, est.EstimatedWallMinutes)
	assert.InDelta(t, 1.0, est.ParallelizationEfficiency, 0.001)
}

func TestEstimateTimeline_DefaultEstimate(t *testing.T) {
	g := &Graph{Tasks: []Task{{ID: "T-L1-1", Level: 1}}}
	est := EstimateTimeline(g, 4)
	assert.Equal(t, defaultEstimateMinutes, est.TotalSequentialMinutes)
	assert.Equal(t, defaultEstimateMinutes, est.EstimatedWallMinutes)
}

func TestCriticalPathMinutes_LongestChain(t *testing.T) {
	est := EstimateTimeline(timelineGraph(), 2)
	// T-L1-1 (30) -> T-L2-1 (40) is the heaviest chain.
	assert.Equal(t, 70, est.CriticalPathMinutes)
}
