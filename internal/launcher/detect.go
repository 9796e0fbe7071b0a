package launcher

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Backend names the two interchangeable launcher backends.
type Backend string

const (
	BackendSubprocess Backend = "subprocess"
	BackendContainer  Backend = "container"
)

// DetectBackend returns BackendContainer if repoRoot has a
// .devcontainer/devcontainer.json, else BackendSubprocess.
func DetectBackend(repoRoot string) Backend {
	if _, err := os.Stat(filepath.Join(repoRoot, ".devcontainer", "devcontainer.json")); err == nil {
		return BackendContainer
	}
	return BackendSubprocess
}

// ImagePresent reports whether the engine has image cached locally.
func ImagePresent(engine, image string) bool {
	if engine == "" || image == "" {
		return false
	}
	return exec.Command(engine, "image", "inspect", image).Run() == nil
}

// AutoDetect picks the container backend only when both the
// devcontainer marker and the configured image are present; anything
// less falls back to subprocess.
func AutoDetect(repoRoot, engine, image string) Backend {
	if DetectBackend(repoRoot) == BackendContainer && ImagePresent(engine, image) {
		return BackendContainer
	}
	return BackendSubprocess
}
