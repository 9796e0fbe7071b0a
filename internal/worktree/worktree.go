// Package worktree manages per-worker filesystem checkouts: one
// git worktree per worker, rooted at that worker's branch, created and
// torn down alongside the worker's lifecycle.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/randalmurphal/zerg/internal/vcs"
)

// Manager creates, lists, and deletes per-worker worktrees under a
// single base directory, keeping an in-memory index of what it owns.
type Manager struct {
	repoRoot string
	baseDir  string
	git      *vcs.Adapter

	mu   sync.Mutex
	byID map[string]string // worker id -> absolute worktree path
}

// New returns a Manager rooted at repoRoot, creating worktrees under
// baseDir (e.g. ".zerg/worktrees", relative to repoRoot).
func New(repoRoot, baseDir string, git *vcs.Adapter) *Manager {
	return &Manager{repoRoot: repoRoot, baseDir: baseDir, git: git, byID: make(map[string]string)}
}

func (m *Manager) dirFor(workerID string) string {
	return filepath.Join(m.repoRoot, m.baseDir, fmt.Sprintf("worker-%s", workerID))
}

// Create makes a worktree for workerID rooted at branch, branching
// from baseBranch if branch does not yet exist. If the git worktree
// add call fails (e.g. a stale registration for a deleted directory),
// it prunes and retries once, mirroring the recovery step production
// worktree creation already needs.
func (m *Manager) Create(workerID, branch, baseBranch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.byID[workerID]; ok {
		return path, nil
	}

	worktreesDir := filepath.Join(m.repoRoot, m.baseDir)
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	path := m.dirFor(workerID)
	if err := m.tryAdd(branch, path, baseBranch); err != nil {
		return "", fmt.Errorf("create worktree for worker %s: %w", workerID, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("ensure worktree dir: %w", err)
	}

	hooksDir, err := m.git.HooksPath(path)
	if err != nil {
		return "", err
	}
	if err := InstallOwnershipGuard(hooksDir, workerID); err != nil {
		return "", fmt.Errorf("install ownership guard for worker %s: %w", workerID, err)
	}

	m.byID[workerID] = path
	return path, nil
}

func (m *Manager) tryAdd(branch, path, baseBranch string) error {
	exists, err := m.git.BranchExists(m.repoRoot, branch)
	if err != nil {
		return err
	}

	addErr := m.add(exists, branch, path, baseBranch)
	if addErr == nil {
		return nil
	}

	// Stale registration: directory gone but git still tracks it.
	_ = m.git.WorktreePrune(m.repoRoot)
	return m.add(exists, branch, path, baseBranch)
}

func (m *Manager) add(branchExists bool, branch, path, baseBranch string) error {
	if branchExists {
		return m.git.WorktreeAdd(m.repoRoot, path, branch)
	}
	return m.git.WorktreeAddNewBranch(m.repoRoot, path, branch, baseBranch)
}

// Delete removes the worktree for workerID and prunes its registration.
func (m *Manager) Delete(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.byID[workerID]
	if !ok {
		return nil
	}
	if err := m.git.WorktreeRemove(m.repoRoot, path); err != nil {
		return fmt.Errorf("remove worktree for worker %s: %w", workerID, err)
	}
	delete(m.byID, workerID)
	return nil
}

// Path returns the worktree path assigned to workerID, if any.
func (m *Manager) Path(workerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[workerID]
	return p, ok
}

// List returns all currently tracked worker ids, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
