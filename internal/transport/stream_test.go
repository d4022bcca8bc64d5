package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/protocol"
)

func newTestAggregator(t *testing.T) (*Aggregator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	agg := NewAggregator(bus, zap.NewNop())
	t.Cleanup(agg.Close)
	return agg, bus
}

func publishFrame(bus *events.Bus, f *protocol.Frame) {
	bus.Publish(events.FrameReceived, f)
}

func TestStreamAggregation(t *testing.T) {
	agg, bus := newTestAggregator(t)

	var updates []StreamSnapshot
	bus.Subscribe(events.StreamUpdated, func(ev events.Event) {
		updates = append(updates, ev.Payload.(StreamSnapshot))
	})
	var completed []CompletedStream
	bus.Subscribe(events.StreamCompleted, func(ev events.Event) {
		completed = append(completed, ev.Payload.(CompletedStream))
	})

	publishFrame(bus, &protocol.Frame{
		Type:    protocol.TypeStreamStart,
		Message: &protocol.Message{ID: "m9", ConversationID: "c1"},
	})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "A", Content: "A"})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "B", Content: "AB"})
	publishFrame(bus, &protocol.Frame{
		Type:         protocol.TypeStreamEnd,
		FinalContent: "AB",
		Message:      &protocol.Message{ID: "m9", ConversationID: "c1", Sender: "assistant"},
	})

	require.Len(t, updates, 2)
	assert.Equal(t, "A", updates[0].Content)
	assert.Equal(t, "AB", updates[1].Content)
	assert.Equal(t, 2, updates[1].Tokens)

	require.Len(t, completed, 1)
	msg := completed[0].Message
	assert.Equal(t, "m9", msg.ID)
	assert.Equal(t, "assistant", msg.Sender)
	assert.Equal(t, "AB", msg.Content)
	assert.Equal(t, "c1", msg.ConversationID)

	_, open := agg.Current()
	assert.False(t, open, "stream should close after stream_end")
}

func TestBackendContentSnapshotWins(t *testing.T) {
	_, bus := newTestAggregator(t)

	var last StreamSnapshot
	bus.Subscribe(events.StreamUpdated, func(ev events.Event) {
		last = ev.Payload.(StreamSnapshot)
	})

	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamStart, Message: &protocol.Message{ID: "m1"}})
	// The snapshot already contains a token the client never saw.
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "c", Content: "abc"})

	assert.Equal(t, "abc", last.Content)
}

func TestTokenAccumulationWithoutSnapshots(t *testing.T) {
	_, bus := newTestAggregator(t)

	var done CompletedStream
	bus.Subscribe(events.StreamCompleted, func(ev events.Event) {
		done = ev.Payload.(CompletedStream)
	})

	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamStart, Message: &protocol.Message{ID: "m1"}})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "Hello"})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: " world"})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamEnd})

	require.NotNil(t, done.Message)
	assert.Equal(t, "Hello world", done.Message.Content)
	assert.Equal(t, 2, done.Tokens)
}

func TestOrphanTokenOpensStreamImplicitly(t *testing.T) {
	agg, bus := newTestAggregator(t)

	var started, updated int
	bus.Subscribe(events.StreamStarted, func(events.Event) { started++ })
	bus.Subscribe(events.StreamUpdated, func(events.Event) { updated++ })

	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "x", Content: "x"})

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, updated)

	snap, open := agg.Current()
	require.True(t, open)
	assert.NotEmpty(t, snap.MessageID, "implicit stream gets a generated id")
	assert.Equal(t, "x", snap.Content)
}

func TestOrphanEndCompletesEmptyStream(t *testing.T) {
	_, bus := newTestAggregator(t)

	var done []CompletedStream
	bus.Subscribe(events.StreamCompleted, func(ev events.Event) {
		done = append(done, ev.Payload.(CompletedStream))
	})

	publishFrame(bus, &protocol.Frame{
		Type:         protocol.TypeStreamEnd,
		FinalContent: "complete reply",
		Message:      &protocol.Message{ID: "m7"},
	})

	require.Len(t, done, 1)
	assert.Equal(t, "complete reply", done[0].Message.Content)
	assert.Equal(t, "m7", done[0].Message.ID)
}

func TestDisconnectDiscardsPartialStream(t *testing.T) {
	agg, bus := newTestAggregator(t)

	var completed int
	bus.Subscribe(events.StreamCompleted, func(events.Event) { completed++ })

	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamStart, Message: &protocol.Message{ID: "m1"}})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "partial", Content: "partial"})
	bus.Publish(events.Disconnected, DisconnectInfo{Code: 1006})

	assert.Zero(t, completed, "a dropped connection must not complete the stream")
	_, open := agg.Current()
	assert.False(t, open)
}

func TestRestartReplacesOpenStream(t *testing.T) {
	_, bus := newTestAggregator(t)

	var done []CompletedStream
	bus.Subscribe(events.StreamCompleted, func(ev events.Event) {
		done = append(done, ev.Payload.(CompletedStream))
	})

	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamStart, Message: &protocol.Message{ID: "old"}})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "stale", Content: "stale"})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamStart, Message: &protocol.Message{ID: "new"}})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamToken, Token: "fresh", Content: "fresh"})
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamEnd})

	require.Len(t, done, 1)
	assert.Equal(t, "new", done[0].Message.ID)
	assert.Equal(t, "fresh", done[0].Message.Content)
}

func TestCompletedStreamMeasuresElapsed(t *testing.T) {
	_, bus := newTestAggregator(t)

	var done CompletedStream
	bus.Subscribe(events.StreamCompleted, func(ev events.Event) {
		done = ev.Payload.(CompletedStream)
	})

	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamStart, Message: &protocol.Message{ID: "m1"}})
	time.Sleep(10 * time.Millisecond)
	publishFrame(bus, &protocol.Frame{Type: protocol.TypeStreamEnd, FinalContent: "x"})

	assert.GreaterOrEqual(t, done.Elapsed, 10*time.Millisecond)
}
