package vcs

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner scripts responses per git subcommand and records
// every invocation.
type recordingRunner struct {
	responses map[string]string
	failures  map[string]string
	calls     []string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{responses: make(map[string]string), failures: make(map[string]string)}
}

func (r *recordingRunner) Run(workDir, name string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	if msg, ok := r.failures[args[0]]; ok {
		return "", &CommandError{Command: name, Args: args, Output: msg, Err: errors.New(msg)}
	}
	if out, ok := r.responses[args[0]]; ok {
		return out, nil
	}
	return "", nil
}

func (r *recordingRunner) called(prefix string) bool {
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestMerge_ConflictReturnsTypedError(t *testing.T) {
	r := newRecordingRunner()
	r.failures["merge"] = "automatic merge failed"
	r.responses["diff"] = "a.go\nb.go"
	a := NewWithRunner(r)

	err := a.Merge("/repo", "feature/x", "msg")
	require.Error(t, err)

	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"a.go", "b.go"}, conflict.Files)
	assert.Equal(t, "feature/x", conflict.Branch)
}

func TestMerge_PlainFailureIsNotConflict(t *testing.T) {
	r := newRecordingRunner()
	r.failures["merge"] = "index.lock busy"
	a := NewWithRunner(r)

	err := a.Merge("/repo", "feature/x", "msg")
	require.Error(t, err)

	var conflict *MergeConflictError
	assert.False(t, errors.As(err, &conflict))
}

func TestBranchExists(t *testing.T) {
	r := newRecordingRunner()
	a := NewWithRunner(r)

	exists, err := a.BranchExists("/repo", "main")
	require.NoError(t, err)
	assert.True(t, exists)

	r.failures["show-ref"] = "exit status 1"
	exists, err = a.BranchExists("/repo", "gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommit_NothingToCommit(t *testing.T) {
	r := newRecordingRunner()
	r.responses["status"] = ""
	a := NewWithRunner(r)

	_, err := a.Commit("/repo", "msg")
	require.ErrorIs(t, err, ErrNothingToCommit)
	assert.False(t, r.called("commit"), "no commit should be attempted on a clean tree")
}

func TestCommit_ReturnsHead(t *testing.T) {
	r := newRecordingRunner()
	r.responses["status"] = " M a.go"
	r.responses["rev-parse"] = "abc123"
	a := NewWithRunner(r)

	sha, err := a.Commit("/repo", "msg")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)
}

func TestHasConflict(t *testing.T) {
	r := newRecordingRunner()
	a := NewWithRunner(r)

	conflicted, err := a.HasConflict("/repo")
	require.NoError(t, err)
	assert.False(t, conflicted)

	r.responses["diff"] = "x.go"
	conflicted, err = a.HasConflict("/repo")
	require.NoError(t, err)
	assert.True(t, conflicted)
}

func TestHooksPath_JoinsRelative(t *testing.T) {
	r := newRecordingRunner()
	r.responses["rev-parse"] = ".git/hooks"
	a := NewWithRunner(r)

	p, err := a.HooksPath("/repo/wt")
	require.NoError(t, err)
	assert.Equal(t, "/repo/wt/.git/hooks", p)
}

func TestHooksPath_KeepsAbsolute(t *testing.T) {
	r := newRecordingRunner()
	r.responses["rev-parse"] = "/repo/.git/worktrees/wt/hooks"
	a := NewWithRunner(r)

	p, err := a.HooksPath("/repo/wt")
	require.NoError(t, err)
	assert.Equal(t, "/repo/.git/worktrees/wt/hooks", p)
}

func TestWorktreeList_ParsesPorcelain(t *testing.T) {
	r := newRecordingRunner()
	r.responses["worktree"] = "worktree /repo\nHEAD abc\n\nworktree /repo/.zerg/worktrees/worker-1\nHEAD def"
	a := NewWithRunner(r)

	paths, err := a.WorktreeList("/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"/repo", "/repo/.zerg/worktrees/worker-1"}, paths)
}

func TestCreateBranch_WrapsError(t *testing.T) {
	r := newRecordingRunner()
	r.failures["branch"] = "fatal: not a valid object name"
	a := NewWithRunner(r)

	err := a.CreateBranch("/repo", "x", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("create branch %s", "x"))
}
