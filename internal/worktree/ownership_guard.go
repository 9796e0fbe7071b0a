package worktree

import (
	"fmt"
	"os"
	"path/filepath"
)

// InstallOwnershipGuard writes a pre-commit hook into hooksDir that
// refuses commits touching files outside the task's declared ownership
// set. The hook is a no-op (always allows) until SetOwnedPaths writes
// the allow-list file it reads; a worker that never calls SetOwnedPaths
// gets no enforcement, matching tasks with an empty files.create/modify
// set.
func InstallOwnershipGuard(hooksDir, workerID string) error {
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}

	script := fmt.Sprintf(`#!/bin/bash
# zerg ownership guard for worker %s
# refuses commits that touch files outside the task's declared
# files.create/modify set, recorded in .zerg/owned_paths by the
# orchestrator before a task is dispatched.
ALLOW_FILE="$(git rev-parse --show-toplevel)/.zerg/owned_paths"
if [ ! -f "$ALLOW_FILE" ]; then
  exit 0
fi

CHANGED=$(git diff --cached --name-only)
while IFS= read -r f; do
  [ -z "$f" ] && continue
  if ! grep -qxF "$f" "$ALLOW_FILE"; then
    echo "BLOCKED: $f is outside this task's declared ownership" >&2
    exit 1
  fi
done <<< "$CHANGED"
exit 0
`, workerID)

	hookPath := filepath.Join(hooksDir, "pre-commit")
	if err := os.WriteFile(hookPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("write pre-commit hook: %w", err)
	}
	return nil
}

// SetOwnedPaths writes the allow-list the guard hook reads, one path
// per line, scoped to the currently dispatched task.
func SetOwnedPaths(worktreePath string, paths []string) error {
	dir := filepath.Join(worktreePath, ".zerg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create .zerg dir: %w", err)
	}

	content := ""
	for _, p := range paths {
		content += p + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "owned_paths"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write owned_paths: %w", err)
	}
	return nil
}
