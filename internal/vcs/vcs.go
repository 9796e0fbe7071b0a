package vcs

import (
	"fmt"
	"strings"
)

// Adapter is the version-control adapter: branch create/delete/
// checkout, merge, commit, stash, HEAD query, conflict detection, all
// invoked as git subcommands via a CommandRunner.
type Adapter struct {
	runner CommandRunner
}

// New returns an Adapter using the default exec-backed runner.
func New() *Adapter { return &Adapter{runner: NewExecRunner()} }

// NewWithRunner returns an Adapter using a custom CommandRunner,
// primarily for tests.
func NewWithRunner(r CommandRunner) *Adapter { return &Adapter{runner: r} }

func (a *Adapter) git(dir string, args ...string) (string, error) {
	return a.runner.Run(dir, "git", args...)
}

// CreateBranch creates branch from baseBranch without checking it out.
func (a *Adapter) CreateBranch(dir, branch, baseBranch string) error {
	_, err := a.git(dir, "branch", branch, baseBranch)
	if err != nil {
		return fmt.Errorf("create branch %s from %s: %w", branch, baseBranch, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (a *Adapter) DeleteBranch(dir, branch string) error {
	_, err := a.git(dir, "branch", "-D", branch)
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// BranchExists reports whether branch exists locally.
func (a *Adapter) BranchExists(dir, branch string) (bool, error) {
	_, err := a.git(dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, fmt.Errorf("check branch %s: %w", branch, err)
	}
	return true, nil
}

// Checkout switches the working tree in dir to branch.
func (a *Adapter) Checkout(dir, branch string) error {
	_, err := a.git(dir, "checkout", branch)
	if err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// ResetHard resets dir's branch to ref, discarding local changes. Used
// only when preparing the staging branch.
func (a *Adapter) ResetHard(dir, ref string) error {
	_, err := a.git(dir, "reset", "--hard", ref)
	if err != nil {
		return fmt.Errorf("reset --hard %s: %w", ref, err)
	}
	return nil
}

// Merge merges branch into the currently checked-out branch in dir
// with --no-ff (so every integration leaves an explicit merge commit).
// On conflict, returns a *MergeConflictError and leaves the repo in a
// conflicted state for the caller to abort.
func (a *Adapter) Merge(dir, branch, message string) error {
	_, err := a.git(dir, "merge", "--no-ff", "-m", message, branch)
	if err != nil {
		conflicted, cErr := a.HasConflict(dir)
		if cErr == nil && conflicted {
			return &MergeConflictError{Branch: branch, Files: a.conflictedFilesOrEmpty(dir), Err: err}
		}
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	return nil
}

// AbortMerge aborts an in-progress conflicted merge.
func (a *Adapter) AbortMerge(dir string) error {
	_, err := a.git(dir, "merge", "--abort")
	if err != nil {
		return fmt.Errorf("merge --abort: %w", err)
	}
	return nil
}

// HasConflict reports whether dir currently has unmerged paths.
func (a *Adapter) HasConflict(dir string) (bool, error) {
	out, err := a.git(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return false, fmt.Errorf("check conflicts: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (a *Adapter) conflictedFilesOrEmpty(dir string) []string {
	out, err := a.git(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || strings.TrimSpace(out) == "" {
		return nil
	}
	return strings.Split(strings.TrimSpace(out), "\n")
}

// Commit stages all changes and commits with message. Returns the new
// commit SHA. Returns ErrNothingToCommit if the working tree is clean.
func (a *Adapter) Commit(dir, message string) (string, error) {
	if _, err := a.git(dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	clean, err := a.isClean(dir)
	if err != nil {
		return "", err
	}
	if clean {
		return "", ErrNothingToCommit
	}
	if _, err := a.git(dir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return a.Head(dir)
}

func (a *Adapter) isClean(dir string) (bool, error) {
	out, err := a.git(dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// Head returns the current commit SHA in dir.
func (a *Adapter) Head(dir string) (string, error) {
	out, err := a.git(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return out, nil
}

// Stash stashes uncommitted changes (including untracked files).
func (a *Adapter) Stash(dir string) error {
	_, err := a.git(dir, "stash", "push", "-u")
	if err != nil {
		return fmt.Errorf("stash: %w", err)
	}
	return nil
}

// FastForward fast-forwards the currently checked-out branch in dir to
// ref, failing if a fast-forward is not possible.
func (a *Adapter) FastForward(dir, ref string) error {
	_, err := a.git(dir, "merge", "--ff-only", ref)
	if err != nil {
		return fmt.Errorf("fast-forward to %s: %w", ref, err)
	}
	return nil
}

// HooksPath resolves dir's hooks directory. Linked worktrees share the
// main checkout's hooks, so this must go through git rather than
// assuming <dir>/.git/hooks exists.
func (a *Adapter) HooksPath(dir string) (string, error) {
	out, err := a.git(dir, "rev-parse", "--git-path", "hooks")
	if err != nil {
		return "", fmt.Errorf("rev-parse --git-path hooks: %w", err)
	}
	if !strings.HasPrefix(out, "/") {
		out = dir + "/" + out
	}
	return out, nil
}

// RevParse resolves any ref in dir to its commit SHA.
func (a *Adapter) RevParse(dir, ref string) (string, error) {
	out, err := a.git(dir, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %w", ref, err)
	}
	return out, nil
}

// WorktreeAdd registers a new worktree at path rooted at an existing
// branch.
func (a *Adapter) WorktreeAdd(dir, path, branch string) error {
	_, err := a.git(dir, "worktree", "add", path, branch)
	if err != nil {
		return fmt.Errorf("worktree add %s at %s: %w", branch, path, err)
	}
	return nil
}

// WorktreeAddNewBranch registers a new worktree at path on a fresh
// branch cut from baseBranch.
func (a *Adapter) WorktreeAddNewBranch(dir, path, branch, baseBranch string) error {
	_, err := a.git(dir, "worktree", "add", "-b", branch, path, baseBranch)
	if err != nil {
		return fmt.Errorf("worktree add -b %s at %s: %w", branch, path, err)
	}
	return nil
}

// WorktreeRemove force-removes the worktree at path.
func (a *Adapter) WorktreeRemove(dir, path string) error {
	_, err := a.git(dir, "worktree", "remove", "--force", path)
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	return nil
}

// WorktreePrune drops stale worktree registrations whose directories
// are gone.
func (a *Adapter) WorktreePrune(dir string) error {
	_, err := a.git(dir, "worktree", "prune")
	if err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}

// WorktreeList returns the worktree paths registered in dir.
func (a *Adapter) WorktreeList(dir string) ([]string, error) {
	out, err := a.git(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

// ErrNothingToCommit is returned by Commit when the working tree has
// no staged changes — used by the HEAD-must-change verification law.
var ErrNothingToCommit = fmt.Errorf("nothing to commit")

// MergeConflictError marks a merge that left unmerged paths.
type MergeConflictError struct {
	Branch string
	Files  []string
	Err    error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s: %v", e.Branch, e.Files)
}

func (e *MergeConflictError) Unwrap() error { return e.Err }
