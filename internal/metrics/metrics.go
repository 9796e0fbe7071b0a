// Package metrics exposes a Prometheus registry describing the live
// state of an orchestrator run: active workers, task outcomes by
// level, circuit breaker trips, backpressure pauses, and merge
// attempts. Scraping is optional; nothing in the orchestrator depends
// on a scraper being present.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_workers_active",
			Help: "Number of workers currently in each status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_tasks_total",
			Help: "Total tasks transitioned to a terminal status",
		},
		[]string{"status", "level"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zerg_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_circuit_state",
			Help: "Circuit breaker state per worker (0=closed, 1=half_open, 2=open)",
		},
		[]string{"worker_id"},
	)

	BackpressurePauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_backpressure_pauses_total",
			Help: "Total number of times a level was paused by the backpressure controller",
		},
		[]string{"level"},
	)

	MergeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_merge_attempts_total",
			Help: "Total merge flow attempts by outcome",
		},
		[]string{"level", "outcome"},
	)

	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zerg_merge_duration_seconds",
			Help:    "Time taken to run a level's merge flow",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpawnAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_spawn_attempts_total",
			Help: "Total worker spawn attempts by outcome",
		},
		[]string{"outcome"},
	)

	ReconciliationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_reconciliation_runs_total",
			Help: "Total reconciliation passes by mode",
		},
		[]string{"mode"},
	)

	ReconciliationFixes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zerg_reconciliation_fixes_total",
			Help: "Total corrective fixes applied during reconciliation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersActive,
		TasksTotal,
		TaskDuration,
		CircuitState,
		BackpressurePauses,
		MergeAttempts,
		MergeDuration,
		SpawnAttempts,
		ReconciliationRuns,
		ReconciliationFixes,
	)
}

// Handler returns the Prometheus scrape handler for an optional
// /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram recording.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
