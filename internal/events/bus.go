package events

import (
	"sync"

	"go.uber.org/zap"
)

// Package events provides the typed publish/subscribe bus that decouples the
// transport layer from its consumers (stream aggregation, chat state, the
// notification bridge). Event types form a closed enumeration; dispatch is
// synchronous and ordered, and one misbehaving subscriber never starves the
// rest.

// Type enumerates bus events.
type Type string

const (
	// Connection lifecycle.
	Connected       Type = "connected"
	Disconnected    Type = "disconnected"
	ReconnectFailed Type = "reconnect_failed"
	ConnectionError Type = "connection_error"

	// FrameReceived carries every inbound protocol frame the transport does
	// not consume itself (ping/pong stay internal to the connection).
	FrameReceived Type = "frame_received"

	// Streaming message lifecycle, produced by the aggregator.
	StreamStarted   Type = "stream_started"
	StreamUpdated   Type = "stream_updated"
	StreamCompleted Type = "stream_completed"

	// Investigation lifecycle, produced by the orchestrator.
	InvestigationProgress  Type = "investigation_progress"
	InvestigationCompleted Type = "investigation_completed"
	InvestigationFailed    Type = "investigation_failed"

	// Notification bridge.
	NotificationClicked Type = "notification_clicked"
	BannerRequested     Type = "banner_requested"
)

// Event is one published occurrence. Payload types are documented on the
// producing component.
type Event struct {
	Type    Type
	Payload interface{}
}

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Subscription identifies one registered handler. Unsubscribing twice is a
// no-op.
type Subscription struct {
	bus   *Bus
	event Type
	id    uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a registry of event subscribers. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Type][]subscriber
	logger *zap.Logger
}

// NewBus creates an event bus. logger may be nil.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[Type][]subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for event and returns its subscription handle.
// Handlers are invoked in registration order.
func (b *Bus) Subscribe(event Type, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[event] = append(b.subs[event], subscriber{id: b.nextID, fn: fn})
	return &Subscription{bus: b, event: event, id: b.nextID}
}

// Unsubscribe removes the subscription. Safe to call on an already-removed
// subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.event]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish invokes every current subscriber of the event, synchronously and
// in registration order. A panicking subscriber is logged and skipped; the
// remaining subscribers still run.
func (b *Bus) Publish(event Type, payload interface{}) {
	b.mu.RLock()
	list := make([]subscriber, len(b.subs[event]))
	copy(list, b.subs[event])
	b.mu.RUnlock()

	ev := Event{Type: event, Payload: payload}
	for _, sub := range list {
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event", string(ev.Type)),
				zap.Uint64("subscriber_id", sub.id),
				zap.Any("panic", r),
			)
		}
	}()
	sub.fn(ev)
}

// SubscriberCount returns the number of handlers registered for event.
func (b *Bus) SubscriberCount(event Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
