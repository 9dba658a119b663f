package metrics

import (
	"sync"
	"time"

	"sitepipe/internal/domain"
)

// Event is one metrics emission for a finished (or failed) agent run.
type Event struct {
	ProjectID     string
	Stage         domain.Stage
	CorrelationID string
	RunID         string
	TokensUsed    int
	CostEstimate  float64
	Duration      time.Duration
	Failed        bool
}

// Bus broadcasts metrics events to every registered subscriber. Publishing
// never blocks; a subscriber that falls behind loses events rather than
// stalling the worker that emitted them.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan Event, b.buffer)
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return
	}
	delete(b.subs, name)
	close(ch)
}

// Publish delivers the event to all subscribers, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
