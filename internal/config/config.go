// Package config loads and validates zergd's orchestrator configuration:
// worker counts and retry policy, resilience toggles, port ranges,
// container resource limits, merge policy, quality gates, and launcher
// backend selection.
package config

import "time"

// BackoffStrategy names a retry backoff shape.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// LauncherMode selects how workers are spawned.
type LauncherMode string

const (
	LauncherAuto       LauncherMode = "auto"
	LauncherSubprocess LauncherMode = "subprocess"
	LauncherContainer  LauncherMode = "container"
)

// WorkersConfig controls worker count, spawn retry, staleness, and
// heartbeat thresholds.
type WorkersConfig struct {
	Count                  int             `yaml:"count"`
	TimeoutMinutes         int             `yaml:"timeout_minutes"`
	SpawnRetryAttempts     int             `yaml:"spawn_retry_attempts"`
	SpawnBackoffStrategy   BackoffStrategy `yaml:"spawn_backoff_strategy"`
	SpawnBackoffBaseSec    int             `yaml:"spawn_backoff_base_seconds"`
	SpawnBackoffMaxSec     int             `yaml:"spawn_backoff_max_seconds"`
	TaskStaleTimeoutSec    int             `yaml:"task_stale_timeout_seconds"`
	HeartbeatIntervalSec   int             `yaml:"heartbeat_interval_seconds"`
	HeartbeatStaleThresh   int             `yaml:"heartbeat_stale_threshold"`
	AutoRespawn            bool            `yaml:"auto_respawn"`
	MaxRespawnAttempts     int             `yaml:"max_respawn_attempts"`
	RetryAttempts          int             `yaml:"retry_attempts"`
	BackoffStrategy        BackoffStrategy `yaml:"backoff_strategy"`
	BackoffBaseSec         int             `yaml:"backoff_base_seconds"`
	BackoffMaxSec          int             `yaml:"backoff_max_seconds"`
}

// ResilienceConfig is the master gate for the reconciler, heartbeat,
// circuit breaker, and backpressure subsystems.
type ResilienceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PortsConfig bounds the per-worker port allocation range.
type PortsConfig struct {
	RangeStart int `yaml:"range_start"`
	RangeEnd   int `yaml:"range_end"`
}

// ResourcesConfig caps container resource usage (container backend only).
type ResourcesConfig struct {
	ContainerMemoryLimit string `yaml:"container_memory_limit"`
	ContainerCPULimit    string `yaml:"container_cpu_limit"`
}

// MergeConfig bounds the per-level merge flow.
type MergeConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

// QualityGate is one named gate command in the merge flow.
type QualityGate struct {
	Name           string `yaml:"name"`
	Command        string `yaml:"command"`
	Required       bool   `yaml:"required"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// LauncherConfig selects the worker spawn backend. EntryCommand is the
// out-of-scope code-writing agent's launch command — zergd only spawns
// and supervises it, never constructs its arguments beyond what the
// operator configures here.
type LauncherConfig struct {
	Mode             LauncherMode `yaml:"mode"`
	EntryCommand     []string     `yaml:"entry_command"`
	ContainerEngine  string       `yaml:"container_engine"`
	ContainerImage   string       `yaml:"container_image"`
}

// Config is the full zergd configuration document.
type Config struct {
	Namespace    string            `yaml:"namespace"`
	StateDir     string            `yaml:"state_dir"`
	StateBackend string            `yaml:"state_backend"`
	Workers      WorkersConfig     `yaml:"workers"`
	Resilience   ResilienceConfig  `yaml:"resilience"`
	Ports        PortsConfig       `yaml:"ports"`
	Resources    ResourcesConfig   `yaml:"resources"`
	Merge        MergeConfig       `yaml:"merge"`
	QualityGates []QualityGate     `yaml:"quality_gates"`
	Launcher     LauncherConfig    `yaml:"launcher"`
}

// Default returns the configuration with every documented default.
func Default() *Config {
	return &Config{
		Namespace:    "zerg",
		StateDir:     ".zerg/state",
		StateBackend: "file",
		Workers: WorkersConfig{
			Count:                4,
			TimeoutMinutes:       30,
			SpawnRetryAttempts:   3,
			SpawnBackoffStrategy: BackoffExponential,
			SpawnBackoffBaseSec:  2,
			SpawnBackoffMaxSec:   30,
			TaskStaleTimeoutSec:  600,
			HeartbeatIntervalSec: 30,
			HeartbeatStaleThresh: 120,
			AutoRespawn:          true,
			MaxRespawnAttempts:   5,
			RetryAttempts:        3,
			BackoffStrategy:      BackoffExponential,
			BackoffBaseSec:       30,
			BackoffMaxSec:        300,
		},
		Resilience: ResilienceConfig{Enabled: true},
		Ports:      PortsConfig{RangeStart: 49152, RangeEnd: 65535},
		Merge:      MergeConfig{TimeoutSeconds: 600, MaxRetries: 3},
		Launcher: LauncherConfig{
			Mode:            LauncherAuto,
			EntryCommand:    []string{"zerg-worker"},
			ContainerEngine: "docker",
		},
	}
}

// SpawnBackoffDuration is the base/cap pair as time.Durations, for
// handing to internal/retry.Backoff.
func (w WorkersConfig) SpawnBackoffDuration() (base, cap time.Duration) {
	return time.Duration(w.SpawnBackoffBaseSec) * time.Second, time.Duration(w.SpawnBackoffMaxSec) * time.Second
}

// TaskBackoffDuration is the base/cap pair for task-level retry.
func (w WorkersConfig) TaskBackoffDuration() (base, cap time.Duration) {
	return time.Duration(w.BackoffBaseSec) * time.Second, time.Duration(w.BackoffMaxSec) * time.Second
}
