// Package events is the typed pub/sub bus mediating between the
// supervisor, detectors, orchestrator, and the realtime hub. Components
// publish concrete event structs; subscribers receive them on buffered
// channels filtered by topic. Publish never blocks: a full subscriber
// queue evicts its oldest event. The bus is nil-safe so optional wiring
// needs no guard checks.
package events

import (
	"log/slog"
	"sync"
)

// DefaultQueueDepth is the per-subscriber buffer used when callers pass 0.
const DefaultQueueDepth = 256

type Subscription struct {
	name   string
	topics map[Topic]struct{}
	ch     chan Event
}

// C is the receive side of the subscription. It is closed on Unsubscribe
// and on bus Close.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) wants(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a named subscriber for the given topics (none
// means all). The name appears in overflow warnings.
func (b *Bus) Subscribe(name string, buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultQueueDepth
	}
	sub := &Subscription{name: name, ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Calling
// it twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish fans ev out to every matching subscriber. A full queue drops
// that subscriber's oldest event to make room, keeping publishers
// non-blocking while favoring fresh data.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(ev.Topic()) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
		if b.logger != nil {
			b.logger.Warn("subscriber queue overflow, dropped oldest event",
				"subscriber", sub.name, "topic", string(ev.Topic()))
		}
	}
}

// Close terminates every subscription. Publish and Subscribe after Close
// are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// SubscriberCount reports active subscriptions, for tests and debug logs.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
