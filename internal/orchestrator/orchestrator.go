// Package orchestrator implements the top-level orchestration loop:
// a ticker-driven cycle that provisions workers, dispatches
// dependency-leveled tasks, observes completions, runs per-level
// merges, and reconciles state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/randalmurphal/zerg/internal/backpressure"
	"github.com/randalmurphal/zerg/internal/circuit"
	"github.com/randalmurphal/zerg/internal/config"
	"github.com/randalmurphal/zerg/internal/events"
	"github.com/randalmurphal/zerg/internal/gate"
	"github.com/randalmurphal/zerg/internal/heartbeat"
	"github.com/randalmurphal/zerg/internal/launcher"
	"github.com/randalmurphal/zerg/internal/level"
	"github.com/randalmurphal/zerg/internal/merge"
	"github.com/randalmurphal/zerg/internal/metrics"
	"github.com/randalmurphal/zerg/internal/port"
	"github.com/randalmurphal/zerg/internal/reconcile"
	"github.com/randalmurphal/zerg/internal/retry"
	"github.com/randalmurphal/zerg/internal/state"
	"github.com/randalmurphal/zerg/internal/taskgraph"
	"github.com/randalmurphal/zerg/internal/vcs"
	"github.com/randalmurphal/zerg/internal/worktree"
)

// PollInterval is the orchestrator's ticker period. Every threshold
// that matters (heartbeat staleness, task timeouts, retry backoff) is
// specified in whole seconds well above one tick, and the fsnotify
// wake-up shortens completion latency below it anyway, so this is a
// constant rather than another config knob.
const PollInterval = 5 * time.Second

// Orchestrator drives one feature's run end to end.
type Orchestrator struct {
	cfg      *config.Config
	feature  string
	repoRoot string
	names    vcs.Namespace

	reader *taskgraph.Reader
	store  state.Store
	level  *level.Controller
	recon  *reconcile.Reconciler

	git       *vcs.Adapter
	worktrees *worktree.Manager
	ports     *port.Allocator
	launch    launcher.Launcher
	merger    *merge.Coordinator

	circuits     *circuit.Manager
	backpressure *backpressure.Controller
	taskRetry    *retry.Manager
	spawnRetry   *retry.Manager
	heartbeats   *heartbeat.Monitor

	publisher events.Publisher
	log       *slog.Logger

	// Tick-local bookkeeping. Touched only from the single poll
	// goroutine, so no lock is needed.
	target         string
	mergeRetryBase time.Duration   // zero means the 10s default
	logLines       map[string]int  // worker id -> log lines already consumed
	needsRebase    map[string]bool // worker branches behind the target after a merge
	levelStarted   map[int]bool

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Deps bundles the pre-built collaborators New needs. Tests construct
// these individually with fakes; production wiring (cmd/zergd) builds
// them from cfg.
type Deps struct {
	Reader    *taskgraph.Reader
	Store     state.Store
	Git       *vcs.Adapter
	Launch    launcher.Launcher
	Publisher events.Publisher
	Log       *slog.Logger
}

// New wires one Orchestrator for feature, rooted at repoRoot, from cfg
// and the given collaborators.
func New(cfg *config.Config, feature, repoRoot string, deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NewNopPublisher()
	}

	names := vcs.Namespace{NS: cfg.Namespace}

	lvl := level.New()
	lvl.Initialize(deps.Reader.Graph().Tasks)

	capacity := cfg.Ports.RangeEnd - cfg.Ports.RangeStart + 1
	rangeSize := capacity / maxInt(1, cfg.Workers.Count)
	if rangeSize < 1 {
		rangeSize = 1
	}
	ports := port.New(cfg.Ports.RangeStart, capacity, rangeSize)

	wt := worktree.New(repoRoot, ".zerg/worktrees", deps.Git)

	gates := qualityGates(cfg.QualityGates)
	merger := merge.New(deps.Git, names, repoRoot, gates, nil)

	spawnBase, spawnCap := cfg.Workers.SpawnBackoffDuration()
	taskBase, taskCap := cfg.Workers.TaskBackoffDuration()

	o := &Orchestrator{
		cfg:      cfg,
		feature:  feature,
		repoRoot: repoRoot,
		names:    names,
		reader:   deps.Reader,
		store:    deps.Store,
		level:    lvl,
		git:      deps.Git,
		worktrees: wt,
		ports:     ports,
		launch:    deps.Launch,
		merger:    merger,
		circuits:  circuit.New(5, 60*time.Second),
		backpressure: backpressure.New(cfg.Resilience.Enabled, 10, 0.5),
		taskRetry: retry.New(cfg.Workers.RetryAttempts, retry.Backoff{
			Policy: retry.Policy(cfg.Workers.BackoffStrategy), Base: taskBase, Cap: taskCap,
		}),
		spawnRetry: retry.New(cfg.Workers.SpawnRetryAttempts, retry.Backoff{
			Policy: retry.Policy(cfg.Workers.SpawnBackoffStrategy), Base: spawnBase, Cap: spawnCap,
		}),
		heartbeats: heartbeat.New(
			time.Duration(cfg.Workers.HeartbeatIntervalSec)*time.Second,
			time.Duration(cfg.Workers.HeartbeatStaleThresh)*time.Second,
			time.Duration(cfg.Workers.TaskStaleTimeoutSec)*time.Second,
		),
		publisher:    deps.Publisher,
		log:          deps.Log,
		target:       "main",
		logLines:     make(map[string]int),
		needsRebase:  make(map[string]bool),
		levelStarted: make(map[int]bool),
	}
	o.recon = reconcile.New(deps.Store, lvl)
	return o
}

func qualityGates(gates []config.QualityGate) []gate.Gate {
	out := make([]gate.Gate, 0, len(gates))
	for _, g := range gates {
		out = append(out, gate.Gate{
			Name:     g.Name,
			Command:  g.Command,
			Required: g.Required,
			Timeout:  time.Duration(g.TimeoutSeconds) * time.Second,
		})
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run performs startup, then drives the poll loop until ctx is
// cancelled or the run completes (every level resolved). It blocks.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	if err := o.startup(); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	// Advisory early wake-up on worker log writes; staleness decisions
	// still come from the event log, never from fsnotify.
	watcher, wake := heartbeat.NewWatcher(filepath.Join(o.repoRoot, ".zerg", "logs"), o.log)
	defer watcher.Close()

	for {
		select {
		case <-o.ctx.Done():
			o.shutdown(true)
			return o.ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
		if done := o.tick(); done {
			o.shutdown(false)
			return nil
		}
	}
}

// shutdown terminates every worker (graceful first unless force),
// releases their port ranges, and flushes state to disk. In-flight
// claims are left as-is; the next run's reconciliation recovers them.
func (o *Orchestrator) shutdown(force bool) {
	o.launch.TerminateAll(force)
	for _, id := range o.workerIDs() {
		o.ports.Release(id)
	}
	if err := o.store.Save(); err != nil {
		o.log.Error("final state save failed", "error", err)
	}
}

// Stop cancels the run; Run returns once the current tick finishes.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// startup runs the pre-loop phase: the graph and FeatureState are
// already loaded by the caller (Deps.Reader / Deps.Store); here we
// pre-clean orphans and provision the worker pool.
func (o *Orchestrator) startup() error {
	if cl, ok := o.launch.(interface{ PreCleanOrphans(string) error }); ok {
		if err := cl.PreCleanOrphans(o.feature); err != nil {
			o.log.Warn("pre-clean orphans failed", "error", err)
		}
	}
	if err := o.provisionWorkers(); err != nil {
		return err
	}

	// On a resumed run the level controller was rebuilt from the graph
	// with every task PENDING; converge it to disk before dispatching.
	o.recon.Sweep()
	return nil
}

// tick runs one poll cycle. It returns true once the whole feature is
// resolved (every level complete and merged).
func (o *Orchestrator) tick() bool {
	fs := o.store.Snapshot()
	if fs.Paused {
		o.checkHeartbeats()
		return false
	}

	if o.cfg.Resilience.Enabled {
		o.recon.Sweep()
		metrics.ReconciliationRuns.WithLabelValues("periodic").Inc()
	}
	o.promoteReadyRetries()
	o.checkHeartbeats()
	o.dispatchTick()
	o.checkCompletions()
	o.updateGauges()

	return o.checkLevelCompletion()
}

// updateGauges refreshes the point-in-time Prometheus gauges from the
// current snapshot.
func (o *Orchestrator) updateGauges() {
	fs := o.store.Snapshot()

	byStatus := make(map[state.WorkerStatus]int)
	for id, w := range fs.Workers {
		byStatus[w.Status]++
		metrics.CircuitState.WithLabelValues(id).Set(circuitGaugeValue(o.circuits.State(id)))
	}
	metrics.WorkersActive.Reset()
	for st, n := range byStatus {
		metrics.WorkersActive.WithLabelValues(string(st)).Set(float64(n))
	}
}

func circuitGaugeValue(s circuit.State) float64 {
	switch s {
	case circuit.Open:
		return 2
	case circuit.HalfOpen:
		return 1
	default:
		return 0
	}
}
