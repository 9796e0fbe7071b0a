package events

import "sync"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of its feature, plus
	// any subscribers to GlobalKey.
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given
	// feature. Use GlobalKey ("*") to receive every event.
	Subscribe(key string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(key string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory fan-out implementation of Publisher.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) { p.bufferSize = size }
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish fans event out to its feature's subscribers and to global
// subscribers. Non-blocking: a subscriber with a full buffer is skipped.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	key := event.key()
	for _, ch := range p.subscribers[key] {
		select {
		case ch <- event:
		default:
		}
	}
	if key != GlobalKey {
		for _, ch := range p.subscribers[GlobalKey] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives events for key.
func (p *MemoryPublisher) Subscribe(key string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, p.bufferSize)
	p.subscribers[key] = append(p.subscribers[key], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(key string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subscribers[key]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[key]) == 0 {
		delete(p.subscribers, key)
	}
}

// Close shuts down the publisher and closes every subscription channel.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for key, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, key)
	}
}

// NopPublisher discards every event. Used when event broadcasting is
// disabled in configuration.
type NopPublisher struct{}

func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

func (p *NopPublisher) Publish(Event) {}

func (p *NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (p *NopPublisher) Unsubscribe(string, <-chan Event) {}

func (p *NopPublisher) Close() {}
