// Package broadcast fans live events out to connected observers.
//
// Delivery is at-most-once and never blocks the publisher: every subscriber
// owns a bounded queue, and an event that does not fit is dropped for that
// subscriber only.
package broadcast

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// Live event names.
const (
	EventDefensiveAlert  = "defensive_alert"
	EventObjectDetection = "object_detection"
	EventMQTTMessage     = "mqtt_message"
)

// KnownEvent reports whether name is one of the live event names.
func KnownEvent(name string) bool {
	switch name {
	case EventDefensiveAlert, EventObjectDetection, EventMQTTMessage:
		return true
	}
	return false
}

// DefaultBuffer is the per-subscriber queue length used when none is configured.
const DefaultBuffer = 64

// Event is the envelope delivered to subscribers. Data is encoded once at
// publish time and shared by every subscriber.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Publisher accepts events for fan-out. Publish must not block on slow
// subscribers and reports no delivery outcome.
type Publisher interface {
	Publish(name string, data any)
}

// Metrics receives hub counters. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordPublished(event string, delivered int)
	RecordDropped(event string)
	SetSubscribers(n int)
}

// Subscription is one observer's queue.
type Subscription struct {
	ID      string
	events  chan Event
	filter  map[string]struct{} // empty accepts every event
	dropped atomic.Uint64
}

// Events returns the queue. It is closed when the subscription is removed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped reports how many events did not fit the queue.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Wants reports whether the subscription accepts the event name.
func (s *Subscription) Wants(name string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[name]
	return ok
}

// Hub is an in-process Publisher with filtered, buffered subscriptions.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	metrics Metrics
	log     logger.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics attaches hub counters.
func WithMetrics(m Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[string]*Subscription),
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.Global().Module("broadcast")
	}
	return h
}

// Subscribe registers a subscriber for the named events; no names means all events.
func (h *Hub) Subscribe(events ...string) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		events: make(chan Event, h.buffer),
		filter: make(map[string]struct{}, len(events)),
	}
	for _, name := range events {
		if name != "" {
			sub.filter[name] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetSubscribers(n)
	}
	h.log.Debug("subscriber added",
		logger.String("subscriber_id", sub.ID),
		logger.Int("subscribers", n))
	return sub
}

// Unsubscribe removes the subscription and closes its queue. Calling it more
// than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.ID)
	// Publish sends under the read lock, so closing here cannot race a send
	close(sub.events)
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetSubscribers(n)
	}
	h.log.Debug("subscriber removed",
		logger.String("subscriber_id", sub.ID),
		logger.Int("subscribers", n),
		logger.Uint64("dropped", sub.Dropped()))
}

// Publish encodes data and queues it on every interested subscriber.
func (h *Hub) Publish(name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		enhancedErr := errors.New(err).
			Component("broadcast").
			Category(errors.CategoryBroadcast).
			Context("event", name).
			Build()
		h.log.Error("failed to encode event", logger.Error(enhancedErr))
		return
	}
	ev := Event{Name: name, Data: payload}

	delivered := 0
	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.Wants(name) {
			continue
		}
		select {
		case sub.events <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			if h.metrics != nil {
				h.metrics.RecordDropped(name)
			}
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.RecordPublished(name, delivered)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber, closing their queues.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
}

// ParseFilter splits a comma separated event list, dropping blanks and duplicates.
func ParseFilter(list string) []string {
	var names []string
	for name := range strings.SplitSeq(list, ",") {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}
