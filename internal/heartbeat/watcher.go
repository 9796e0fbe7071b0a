package heartbeat

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher optionally wakes the orchestrator's poll loop early when a
// file in the watched directory changes, rather than waiting for the
// next tick.
// It is advisory only: a missed or failed watch falls back to the
// regular poll interval, so staleness decisions never depend on it.
type Watcher struct {
	fsw *fsnotify.Watcher
	wake chan struct{}
}

// NewWatcher watches the directory stateDir itself and returns a
// channel that receives a value on write or create events in it
// (wake-ups are coalesced). Returns a nil
// Watcher (not an error) if fsnotify setup fails, since the feature is
// optional and failure here must never block orchestration.
func NewWatcher(stateDir string, log *slog.Logger) (*Watcher, <-chan struct{}) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		if log != nil {
			log.Warn("heartbeat: fsnotify unavailable, falling back to poll interval", "error", err)
		}
		return nil, nil
	}
	if err := fsw.Add(stateDir); err != nil {
		if log != nil {
			log.Warn("heartbeat: fsnotify watch failed, falling back to poll interval", "error", err, "dir", stateDir)
		}
		fsw.Close()
		return nil, nil
	}

	w := &Watcher{fsw: fsw, wake: make(chan struct{}, 1)}
	go w.pump(log)
	return w, w.wake
}

func (w *Watcher) pump(log *slog.Logger) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if log != nil {
				log.Warn("heartbeat: fsnotify watch error", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	return w.fsw.Close()
}
