// Package events carries execution lifecycle events to the agent's
// session and to the approving UI. Delivery is fire-and-forget:
// failure to deliver never rolls back or retries the execution.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentsh/execgate/pkg/types"
)

// Broker fans events out to per-agent subscribers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // agentID -> subscribers
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]map[chan types.Event]struct{}),
		logger: logger.With("component", "events"),
	}
}

// Subscribe returns a channel receiving the agent's events. Slow
// subscribers drop events rather than blocking publishers.
func (b *Broker) Subscribe(agentID string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[agentID]; !ok {
		b.subs[agentID] = make(map[chan types.Event]struct{})
	}
	b.subs[agentID][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(agentID string, ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[agentID]; ok {
		if _, ok := m[ch]; !ok {
			return
		}
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, agentID)
		}
		close(ch)
	}
}

func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.AgentID] {
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("dropped event on slow subscriber",
					"agent", ev.AgentID, "type", ev.Type, "total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the number of events dropped on slow
// subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns how many channels are subscribed to the
// agent's events.
func (b *Broker) SubscriberCount(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[agentID])
}
