package contacts

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventUpdated  = "updated"
	EventLocked   = "locked"
	EventUnlocked = "unlocked"
	EventDeleted  = "deleted"
	EventBulk     = "bulk"

	DefaultSubscriberBuffer = 256
)

type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	RecordID string          `json:"recordId,omitempty"`
	Actor    string          `json:"actor,omitempty"`
	Version  int64           `json:"version,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// Hub fans events out to every subscriber on a single global topic.
// Delivery is at-most-once: Publish never blocks, and a subscriber whose
// buffer is full misses that event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	metrics *Metrics
}

type Subscription struct {
	hub       *Hub
	events    chan Event
	closeOnce sync.Once

	mu      sync.Mutex
	dropped uint64
}

func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		subs:    map[*Subscription]struct{}{},
		metrics: metrics,
	}
}

// Subscribe attaches a new observer. A closed hub returns a subscription
// whose channel is already closed.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{hub: h, events: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeOnce.Do(func() { close(sub.events) })
		return sub
	}
	h.subs[sub] = struct{}{}
	h.metrics.subscribers(len(h.subs))
	return sub
}

func (h *Hub) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.metrics.published(event.Type)
	for sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
			h.metrics.dropped()
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches and closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.closeOnce.Do(func() { close(sub.events) })
		delete(h.subs, sub)
	}
	h.metrics.subscribers(0)
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		h.metrics.subscribers(len(h.subs))
	}
	s.closeOnce.Do(func() { close(s.events) })
}
