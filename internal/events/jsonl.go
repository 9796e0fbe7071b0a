package events

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// JSONLPublisher wraps a MemoryPublisher and appends every event to a
// JSON-lines file, giving operators a durable, greppable event history
// alongside the live in-memory fan-out.
type JSONLPublisher struct {
	inner  *MemoryPublisher
	file   *os.File
	mu     sync.Mutex
	log    *slog.Logger
	closed bool
}

// NewJSONLPublisher opens (creating/appending) path and returns a
// publisher that writes one JSON object per line for every event.
func NewJSONLPublisher(path string, log *slog.Logger, opts ...PublisherOption) (*JSONLPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLPublisher{inner: NewMemoryPublisher(opts...), file: f, log: log}, nil
}

// Publish broadcasts the event to subscribers and appends it to the
// log file. A write failure is logged, not returned: a stalled disk
// must never block the orchestrator loop.
func (p *JSONLPublisher) Publish(event Event) {
	p.inner.Publish(event)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		p.log.Error("marshal event", "error", err, "type", event.Type)
		return
	}
	line = append(line, '\n')
	if _, err := p.file.Write(line); err != nil {
		p.log.Error("write event log", "error", err)
	}
}

func (p *JSONLPublisher) Subscribe(key string) <-chan Event { return p.inner.Subscribe(key) }

func (p *JSONLPublisher) Unsubscribe(key string, ch <-chan Event) { p.inner.Unsubscribe(key, ch) }

// Close flushes and closes the log file and the inner publisher.
func (p *JSONLPublisher) Close() {
	p.inner.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.file.Sync()
	_ = p.file.Close()
}
