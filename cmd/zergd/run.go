package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/zerg/internal/config"
	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/launcher"
	"github.com/randalmurphal/zerg/internal/metrics"
	"github.com/randalmurphal/zerg/internal/orchestrator"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/randalmurphal/zerg/internal/vcs"
)

var (
	flagConfig      string
	flagGraph       string
	flagFeature     string
	flagRepo        string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "zergd",
	Short:         "zergd orchestrates dependency-leveled task execution across isolated workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator for one feature until every level has merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&flagConfig, "config", "zerg.yaml", "configuration file")
	runCmd.Flags().StringVar(&flagGraph, "graph", "", "task graph JSON file (required)")
	runCmd.Flags().StringVar(&flagFeature, "feature", "", "feature name (required)")
	runCmd.Flags().StringVar(&flagRepo, "repo", ".", "repository root")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "optional Prometheus listen address (e.g. :9090)")
	_ = runCmd.MarkFlagRequired("graph")
	_ = runCmd.MarkFlagRequired("feature")
	rootCmd.AddCommand(runCmd)
}

// Execute runs the zergd command tree.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "zergd:", err)
		return err
	}
	return nil
}

func run(ctx context.Context) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	repoRoot, err := filepath.Abs(flagRepo)
	if err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}

	reader, err := taskgraph.Load(flagGraph)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, repoRoot, flagFeature, reader.Graph().Tasks)
	if err != nil {
		return err
	}
	defer closeStore()

	launch, err := buildLauncher(cfg, repoRoot)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(cfg, repoRoot, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr, publisher, log)
	}

	orch := orchestrator.New(cfg, flagFeature, repoRoot, orchestrator.Deps{
		Reader:    reader,
		Store:     store,
		Git:       vcs.New(),
		Launch:    launch,
		Publisher: publisher,
		Log:       log,
	})

	log.Info("orchestrator starting", "feature", flagFeature, "repo", repoRoot)
	return orch.Run(ctx)
}

func openStore(cfg *config.Config, repoRoot, feature string, tasks []taskgraph.Task) (state.Store, func(), error) {
	stateDir := cfg.StateDir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(repoRoot, stateDir)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}

	if cfg.StateBackend == "boltdb" {
		s, err := state.OpenBolt(filepath.Join(stateDir, "zerg.db"), feature, tasks)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	s, err := state.Open(filepath.Join(stateDir, feature+".json"), feature, tasks)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

// buildLauncher picks the spawn backend: explicit config mode wins,
// auto falls back to subprocess when no devcontainer is present.
func buildLauncher(cfg *config.Config, repoRoot string) (launcher.Launcher, error) {
	mode := cfg.Launcher.Mode
	if mode == config.LauncherAuto {
		if launcher.AutoDetect(repoRoot, cfg.Launcher.ContainerEngine, cfg.Launcher.ContainerImage) == launcher.BackendContainer {
			mode = config.LauncherContainer
		} else {
			mode = config.LauncherSubprocess
		}
	}

	switch mode {
	case config.LauncherContainer:
		if cfg.Launcher.ContainerImage == "" {
			return nil, fmt.Errorf("launcher.container_image required in container mode")
		}
		zlog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		return launcher.NewContainerLauncher(cfg.Launcher.ContainerEngine, cfg.Launcher.ContainerImage, zlog), nil
	case config.LauncherSubprocess:
		logDir := filepath.Join(repoRoot, ".zerg", "logs")
		return launcher.NewSubprocessLauncher(cfg.Launcher.EntryCommand, logDir), nil
	default:
		return nil, fmt.Errorf("unknown launcher mode %q", mode)
	}
}

func buildPublisher(cfg *config.Config, repoRoot string, log *slog.Logger) (events.Publisher, error) {
	eventsPath := filepath.Join(repoRoot, cfg.StateDir, "events.jsonl")
	if err := os.MkdirAll(filepath.Dir(eventsPath), 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return events.NewJSONLPublisher(eventsPath, log)
}

// serveMetrics exposes /metrics plus a /events websocket stream for
// dashboards. Best effort: a bind failure is logged, never fatal.
func serveMetrics(addr string, pub events.Publisher, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/events", events.NewWSHandler(pub, log))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics endpoint unavailable", "addr", addr, "error", err)
	}
}
