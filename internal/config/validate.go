package config

import "fmt"

// Validate rejects a configuration the orchestrator cannot safely run
// with.
func Validate(cfg *Config) error {
	if cfg.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", cfg.Workers.Count)
	}
	if cfg.Ports.RangeStart <= 0 || cfg.Ports.RangeEnd <= cfg.Ports.RangeStart {
		return fmt.Errorf("ports range invalid: start=%d end=%d", cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	}
	if !validBackoff(cfg.Workers.SpawnBackoffStrategy) {
		return fmt.Errorf("workers.spawn_backoff_strategy invalid: %q", cfg.Workers.SpawnBackoffStrategy)
	}
	if !validBackoff(cfg.Workers.BackoffStrategy) {
		return fmt.Errorf("workers.backoff_strategy invalid: %q", cfg.Workers.BackoffStrategy)
	}
	if !validLauncherMode(cfg.Launcher.Mode) {
		return fmt.Errorf("launcher.mode invalid: %q", cfg.Launcher.Mode)
	}
	if cfg.Merge.TimeoutSeconds <= 0 {
		return fmt.Errorf("merge.timeout_seconds must be > 0")
	}
	for _, g := range cfg.QualityGates {
		if g.Name == "" {
			return fmt.Errorf("quality_gates entry missing name")
		}
	}
	return nil
}

func validBackoff(s BackoffStrategy) bool {
	switch s {
	case BackoffExponential, BackoffLinear, BackoffFixed:
		return true
	default:
		return false
	}
}

func validLauncherMode(m LauncherMode) bool {
	switch m {
	case LauncherAuto, LauncherSubprocess, LauncherContainer:
		return true
	default:
		return false
	}
}
