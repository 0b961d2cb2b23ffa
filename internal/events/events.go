// Package events is the gateway's internal event bus. Decisions,
// approvals and usage records flow through it to the admin live feed,
// the webhook dispatcher and the optional Pub/Sub exporter.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type classifies an event.
type Type string

const (
	TypeRequestDecided  Type = "request.decided"
	TypeSessionPrepared Type = "session.prepared"
	TypeSessionDecided  Type = "session.decided"
	TypeAppStatusSet    Type = "app.status"
	TypeBreakerTripped  Type = "breaker.tripped"
)

// Event is one published occurrence. Payload must be JSON-marshalable.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AppID     string      `json:"appId,omitempty"`
	Resource  string      `json:"resource,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks the caller:
// slow subscribers drop events rather than stalling the data plane.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(buffer int) (<-chan Event, func())
}

// MemoryBus is the in-process bus implementation.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event), logger: logger}
}

// Publish delivers the event to every subscriber with room in its
// buffer and drops it for the rest.
func (b *MemoryBus) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; losing feed events is acceptable.
		}
	}
}

// Subscribe registers a buffered subscriber. The returned cancel func
// unregisters it and closes the channel.
func (b *MemoryBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
