package config

import (
	"os"
	"strconv"
)

// ApplyEnvVars applies ZERG_* environment variable overrides to cfg.
func ApplyEnvVars(cfg *Config) {
	if v := os.Getenv("ZERG_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("ZERG_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v, ok := envInt("ZERG_WORKERS_COUNT"); ok {
		cfg.Workers.Count = v
	}
	if v, ok := envInt("ZERG_WORKERS_TIMEOUT_MINUTES"); ok {
		cfg.Workers.TimeoutMinutes = v
	}
	if v, ok := envInt("ZERG_WORKERS_SPAWN_RETRY_ATTEMPTS"); ok {
		cfg.Workers.SpawnRetryAttempts = v
	}
	if v := os.Getenv("ZERG_WORKERS_SPAWN_BACKOFF_STRATEGY"); v != "" {
		cfg.Workers.SpawnBackoffStrategy = BackoffStrategy(v)
	}
	if v, ok := envBool("ZERG_RESILIENCE_ENABLED"); ok {
		cfg.Resilience.Enabled = v
	}
	if v, ok := envInt("ZERG_PORTS_RANGE_START"); ok {
		cfg.Ports.RangeStart = v
	}
	if v, ok := envInt("ZERG_PORTS_RANGE_END"); ok {
		cfg.Ports.RangeEnd = v
	}
	if v, ok := envInt("ZERG_MERGE_TIMEOUT_SECONDS"); ok {
		cfg.Merge.TimeoutSeconds = v
	}
	if v, ok := envInt("ZERG_MERGE_MAX_RETRIES"); ok {
		cfg.Merge.MaxRetries = v
	}
	if v := os.Getenv("ZERG_LAUNCHER_MODE"); v != "" {
		cfg.Launcher.Mode = LauncherMode(v)
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1" || v == "yes" || v == "on", true
}
