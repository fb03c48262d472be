package engine

import (
	"sync"

	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/pkg/types"
)

// Bus fans protocol events out to subscribers. Publishing never blocks the
// sequencer: a subscriber whose buffer is full misses the event. Consumers
// needing a complete record should read state through queries, not the bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan types.Event
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan types.Event)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Debug("event dropped for slow subscriber",
				"kind", string(ev.Kind),
				logging.Component("bus"))
		}
	}
}

// Close removes and closes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
