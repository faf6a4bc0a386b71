// Package bus is a typed, in-process pub/sub mechanism that replaces
// string-keyed event emission with topic-prefix-matched structured
// events (§9 "Event-emitter registry -> typed pub/sub"). Per-session
// event streams are filtered views over the same registry-wide stream.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/angrav-gateway/internal/model"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Registry event topics. SessionIDTopic appends the session id so a
// per-session subscriber can prefix-match "session.<id>." directly, while
// a registry-wide subscriber uses the bare topic prefix "session.".
const (
	TopicSessionDiscovered   = "session.discovered"
	TopicSessionStateChanged = "session.state_changed"
	TopicSessionIdle         = "session.idle"
	TopicSessionClosed       = "session.closed"
	TopicResponseReady       = "session.response_ready"
	TopicSessionRateLimited  = "session.rate_limited"
)

// DiscoveredEvent is published once per newly discovered session.
type DiscoveredEvent struct {
	SessionID string
	Title     string
}

// StateChangedEvent is published whenever a tracked session's state
// changes.
type StateChangedEvent struct {
	SessionID string
	Previous  model.State
	Current   model.State
	At        time.Time
}

// IdleEvent is a convenience event published whenever a session's current
// state becomes idle (a subset of StateChangedEvent transitions).
type IdleEvent struct {
	SessionID string
	At        time.Time
}

// ClosedEvent is published when a session's handle is removed from the
// registry (page closed, or probe failure).
type ClosedEvent struct {
	SessionID string
	Reason    string
}

// ResponseReadyEvent is published by a response-augmented subscriber once
// it has extracted the full response following a session_idle event.
type ResponseReadyEvent struct {
	SessionID string
	Response  model.AgentResponse
}

// RateLimitEvent is published whenever the registry's quota detector finds
// a rate-limit banner on a tracked session's frame.
type RateLimitEvent struct {
	SessionID string
	Info      model.RateLimitInfo
	At        time.Time
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The returned channel has a
// buffer of 100 events; slow consumers miss events (non-blocking send) —
// callers must Unsubscribe on disconnect to avoid a leaked listener.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, topic)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to
// full subscriber buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...)
// at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped-event count crosses
// an exponential threshold. Uses CompareAndSwap to avoid duplicate logs
// from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
