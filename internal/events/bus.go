// Package events carries domain events between handlers, the webhook dispatcher and stream clients.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qazna.org/gateway/internal/ids"
)

// Event is a domain occurrence reported by a handler or the backend.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     string         `json:"source,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// New stamps a fresh event of type typ.
func New(typ, source string, data map[string]any) Event {
	now := time.Now().UTC()
	return Event{ID: ids.NewAt(now), Type: typ, OccurredAt: now, Source: source, Data: data}
}

const defaultBuffer = 16

// Bus fan-outs events to all active subscribers (dispatcher, SSE clients).
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
