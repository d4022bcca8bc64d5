package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublish_InvokesInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []int
	bus.Subscribe(StreamStarted, func(Event) { order = append(order, 1) })
	bus.Subscribe(StreamStarted, func(Event) { order = append(order, 2) })
	bus.Subscribe(StreamStarted, func(Event) { order = append(order, 3) })

	bus.Publish(StreamStarted, nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublish_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)

	var after bool
	bus.Subscribe(Connected, func(Event) { panic("boom") })
	bus.Subscribe(Connected, func(Event) { after = true })

	bus.Publish(Connected, nil)
	assert.True(t, after, "subscriber after the panicking one must still run")
}

func TestPublish_PayloadDelivered(t *testing.T) {
	bus := NewBus(nil)

	var got interface{}
	bus.Subscribe(InvestigationCompleted, func(ev Event) { got = ev.Payload })

	bus.Publish(InvestigationCompleted, "req-1")
	assert.Equal(t, "req-1", got)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	sub := bus.Subscribe(Disconnected, func(Event) { calls++ })
	assert.Equal(t, 1, bus.SubscriberCount(Disconnected))

	sub.Unsubscribe()
	sub.Unsubscribe() // second removal is a no-op
	assert.Equal(t, 0, bus.SubscriberCount(Disconnected))

	bus.Publish(Disconnected, nil)
	assert.Equal(t, 0, calls)
}

func TestUnsubscribe_OnlyRemovesOwnHandler(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	first := bus.Subscribe(FrameReceived, func(Event) { got = append(got, "first") })
	bus.Subscribe(FrameReceived, func(Event) { got = append(got, "second") })

	first.Unsubscribe()
	bus.Publish(FrameReceived, nil)
	assert.Equal(t, []string{"second"}, got)
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := NewBus(nil)
	// Must not panic.
	bus.Publish(BannerRequested, nil)
}
