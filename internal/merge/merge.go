// Package merge implements the per-level merge coordinator: it
// brings every worker branch for a completed level together on a
// staging branch, runs quality gates, and fast-forwards the result
// into the feature's target branch.
package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	zerrors "github.com/randalmurphal/zerg/internal/errors"
	"github.com/randalmurphal/zerg/internal/gate"
	"github.com/randalmurphal/zerg/internal/vcs"
)

// Result is the outcome of one FullMergeFlow run.
type Result struct {
	Success        bool
	Level          int
	SourceBranches []string
	TargetBranch   string
	MergeCommit    string
	GateResults    []gate.Result
	Error          error
	Timestamp      time.Time
}

// Coordinator runs the merge flow for a single feature's repository.
type Coordinator struct {
	git       *vcs.Adapter
	names     vcs.Namespace
	repoDir   string
	gates     []gate.Gate
	postGates []gate.Gate
}

// New returns a Coordinator operating git commands in repoDir.
func New(git *vcs.Adapter, names vcs.Namespace, repoDir string, gates, postGates []gate.Gate) *Coordinator {
	return &Coordinator{git: git, names: names, repoDir: repoDir, gates: gates, postGates: postGates}
}

// FullMergeFlow runs the staged integration flow: prepare staging,
// merge each worker branch, gate, fast-forward the target, post-gate.
// workerBranches should be the live per-worker branches for level;
// they are merged in deterministic (sorted) order.
func (c *Coordinator) FullMergeFlow(ctx context.Context, feature string, level int, workerBranches []string, targetBranch string, skipTests bool) Result {
	res := Result{Level: level, TargetBranch: targetBranch, Timestamp: time.Now()}

	branches := append([]string(nil), workerBranches...)
	sort.Strings(branches)
	res.SourceBranches = branches

	staging := c.names.StagingBranch(feature)

	if err := c.prepareMerge(staging, targetBranch); err != nil {
		res.Error = fmt.Errorf("prepare merge: %w", err)
		return res
	}

	for _, branch := range branches {
		if err := c.git.Merge(c.repoDir, branch, fmt.Sprintf("merge %s into %s", branch, staging)); err != nil {
			if conflict, ok := err.(*vcs.MergeConflictError); ok {
				_ = c.git.AbortMerge(c.repoDir)
				_ = c.git.DeleteBranch(c.repoDir, staging)
				res.Error = zerrors.ErrMergeConflict(level, conflict.Files)
				return res
			}
			_ = c.git.AbortMerge(c.repoDir)
			_ = c.git.DeleteBranch(c.repoDir, staging)
			res.Error = fmt.Errorf("merge %s: %w", branch, err)
			return res
		}
	}

	preGates := c.gates
	if skipTests {
		preGates = filterOutTests(c.gates)
	}
	preSummary := gate.RunAll(ctx, c.repoDir, preGates, true, true)

	res.GateResults = append(res.GateResults, preSummary.Results...)
	if !preSummary.AllPassed {
		res.Error = zerrors.ErrMergeGateFailed(level, firstFailedGate(preSummary.Results))
		return res
	}

	commit, err := c.fastForwardOrMerge(staging, targetBranch)
	if err != nil {
		res.Error = fmt.Errorf("integrate staging into target: %w", err)
		return res
	}
	res.MergeCommit = commit

	if len(c.postGates) > 0 {
		postSummary := gate.RunAll(ctx, c.repoDir, c.postGates, true, true)
		res.GateResults = append(res.GateResults, postSummary.Results...)
		if !postSummary.AllPassed {
			res.Error = zerrors.ErrMergeGateFailed(level, firstFailedGate(postSummary.Results))
			return res
		}
	}

	res.Success = true
	return res
}

// prepareMerge creates or resets staging from target, then checks it out.
func (c *Coordinator) prepareMerge(staging, target string) error {
	exists, err := c.git.BranchExists(c.repoDir, staging)
	if err != nil {
		return err
	}
	if exists {
		if err := c.git.DeleteBranch(c.repoDir, staging); err != nil {
			return err
		}
	}
	if err := c.git.CreateBranch(c.repoDir, staging, target); err != nil {
		return err
	}
	return c.git.Checkout(c.repoDir, staging)
}

// fastForwardOrMerge integrates staging into target and returns the
// resulting commit id.
func (c *Coordinator) fastForwardOrMerge(staging, target string) (string, error) {
	if err := c.git.Checkout(c.repoDir, target); err != nil {
		return "", err
	}
	if err := c.git.FastForward(c.repoDir, staging); err != nil {
		if mergeErr := c.git.Merge(c.repoDir, staging, fmt.Sprintf("integrate %s", staging)); mergeErr != nil {
			return "", mergeErr
		}
	}
	return c.git.Head(c.repoDir)
}

func filterOutTests(gates []gate.Gate) []gate.Gate {
	out := make([]gate.Gate, 0, len(gates))
	for _, g := range gates {
		if g.Name == "test" || g.Name == "tests" {
			continue
		}
		out = append(out, g)
	}
	return out
}

func firstFailedGate(results []gate.Result) string {
	for _, r := range results {
		if r.Outcome != gate.Pass {
			return r.Gate
		}
	}
	return ""
}
