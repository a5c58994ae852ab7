package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of status event.
type EventType string

const (
	EventServiceStateChanged EventType = "service.state_changed"
	EventTrialStarted        EventType = "trial.started"
	EventTrialPhaseChanged   EventType = "trial.phase_changed"
	EventTrialCompleted      EventType = "trial.completed"
	EventTrialFailed         EventType = "trial.failed"
)

// Event describes a status transition that observers can consume. Events are
// informational; trial correctness never depends on their delivery.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service,omitempty"`
	TrialID   string         `json:"trialId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultQueueSize is the per-subscriber event queue depth.
const DefaultQueueSize = 64

// Subscription is one observer's handle on the hub. Events are delivered in
// publish order; when the queue is full the oldest queued event is dropped
// and the drop counter incremented.
type Subscription struct {
	id      string
	events  chan Event
	dropped atomic.Uint64
}

// ID returns the unique identifier for this subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the channel delivering this subscriber's events. The channel
// is closed on Unsubscribe or hub Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub fans status events out to any number of subscribers. Publish never
// blocks on a slow subscriber.
type Hub struct {
	queueSize int

	mu          sync.RWMutex
	subscribers map[string]*Subscription
	closed      bool
}

// NewHub constructs a status hub. queueSize <= 0 uses DefaultQueueSize.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize:   queueSize,
		subscribers: make(map[string]*Subscription),
	}
}

// Publish notifies all subscribers of an event. If a subscriber's queue is
// full the oldest queued event is evicted so observers converge on recent
// state instead of stalling the publisher.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	EventsPublished.WithLabelValues(string(event.Type)).Inc()

	for _, sub := range h.subscribers {
		select {
		case sub.events <- event:
			continue
		default:
		}
		// Queue full: evict the oldest, then retry once. The second send can
		// still lose a race with another publisher; count that as a drop too.
		select {
		case <-sub.events:
			sub.dropped.Add(1)
			EventsDropped.Inc()
		default:
		}
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
			EventsDropped.Inc()
		}
	}
}

// Subscribe registers a new observer and returns its handle.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		id:     uuid.NewString(),
		events: make(chan Event, h.queueSize),
	}
	if h.closed {
		close(sub.events)
		return sub
	}
	h.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already-removed handles are a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.id]; ok {
		delete(h.subscribers, sub.id)
		close(sub.events)
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.events)
		delete(h.subscribers, id)
	}
}
