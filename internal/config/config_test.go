package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, Validate(cfg))
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, BackoffExponential, cfg.Workers.SpawnBackoffStrategy)
	assert.Equal(t, LauncherAuto, cfg.Launcher.Mode)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Workers.Count, cfg.Workers.Count)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zerg.yaml")
	content := "workers:\n  count: 8\nlauncher:\n  mode: subprocess\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, LauncherSubprocess, cfg.Launcher.Mode)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("ZERG_WORKERS_COUNT", "16")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Workers.Count)
}

func TestValidate_RejectsBadWorkerCount(t *testing.T) {
	cfg := Default()
	cfg.Workers.Count = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsBadPortRange(t *testing.T) {
	cfg := Default()
	cfg.Ports.RangeEnd = cfg.Ports.RangeStart
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsUnknownBackoffStrategy(t *testing.T) {
	cfg := Default()
	cfg.Workers.SpawnBackoffStrategy = "mystery"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsUnnamedQualityGate(t *testing.T) {
	cfg := Default()
	cfg.QualityGates = []QualityGate{{Command: "go test ./..."}}
	assert.Error(t, Validate(cfg))
}
