package events

import (
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 256

// Hub fans events out to in-memory subscribers. A subscriber that falls
// behind by more than its buffer is dropped and its channel closed.
type Hub struct {
	buffer int
	logger *zap.SugaredLogger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription receives events on C until Close is called or the hub drops it
type Subscription struct {
	C <-chan Event

	ch        chan Event
	processID string
	hub       *Hub
}

// NewHub creates a hub. buffer <= 0 selects the default per-subscriber buffer.
func NewHub(buffer int, logger *zap.SugaredLogger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		buffer: buffer,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber. An empty processID receives every event,
// otherwise only events for that process.
func (h *Hub) Subscribe(processID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, processID: processID, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Publish delivers e to every matching subscriber without blocking
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if sub.processID != "" && sub.processID != e.ProcessID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.logger.Warnw("dropping slow event subscriber", "process", sub.processID, "buffer", h.buffer)
			h.removeLocked(sub)
		}
	}
}

// Count returns the number of active subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
