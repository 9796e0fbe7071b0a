// Command zerg-worker is the reference worker harness: it reads its
// identity from the environment the launcher set, polls its worktree's
// task side-channel, and supervises the configured executor command
// for each task.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/randalmurphal/zerg/internal/vcs"
	"github.com/randalmurphal/zerg/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := worker.FromEnv()
	if err != nil {
		log.Error("invalid worker environment", "error", err)
		os.Exit(1)
	}
	// Everything after "--" is the executor command; without one the
	// harness only verifies and commits, which suits tasks whose
	// worktree is mutated by an external tool.
	if idx := indexOf(os.Args, "--"); idx >= 0 {
		cfg.Entry = os.Args[idx+1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := worker.New(cfg, vcs.New(), os.Stdout, log)
	os.Exit(h.Run(ctx))
}

func indexOf(args []string, sep string) int {
	for i, a := range args {
		if a == sep {
			return i
		}
	}
	return -1
}
