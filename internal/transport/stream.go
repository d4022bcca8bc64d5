package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/metrics"
	"github.com/insightloop/insight-client/internal/protocol"
)

// StreamSnapshot is the payload of events.StreamStarted and
// events.StreamUpdated: the in-flight assistant reply as accumulated so far.
type StreamSnapshot struct {
	MessageID string
	Content   string
	Tokens    int
	StartedAt time.Time
}

// CompletedStream is the payload of events.StreamCompleted. Message holds
// the finished assistant reply; consumers append it to conversation state.
type CompletedStream struct {
	Message *protocol.Message
	Tokens  int
	Elapsed time.Duration
}

// Aggregator folds the stream_start / stream_token / stream_end frame
// sequence into one assistant message. The connection delivers frames in
// order, so aggregation is a simple accumulator; the backend's content
// snapshot on each token frame is authoritative and self-heals any token a
// consumer-side drop might lose.
//
// One reply streams at a time per conversation. A token or end frame with no
// open stream opens one implicitly, so joining mid-stream still yields a
// message (with whatever content the backend reports from that point on).
type Aggregator struct {
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	messageID string
	buf       strings.Builder
	tokens    int
	startedAt time.Time
	open      bool

	subs []*events.Subscription
}

// NewAggregator creates a stream aggregator and attaches it to the bus.
func NewAggregator(bus *events.Bus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{bus: bus, logger: logger}
	a.subs = append(a.subs,
		bus.Subscribe(events.FrameReceived, a.onFrame),
		bus.Subscribe(events.Disconnected, a.onDisconnect),
	)
	return a
}

// Close detaches the aggregator from the bus. Any in-flight stream is
// discarded without completing.
func (a *Aggregator) Close() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
}

func (a *Aggregator) onFrame(ev events.Event) {
	frame, ok := ev.Payload.(*protocol.Frame)
	if !ok {
		return
	}
	switch frame.Type {
	case protocol.TypeStreamStart:
		a.handleStart(frame)
	case protocol.TypeStreamToken:
		a.handleToken(frame)
	case protocol.TypeStreamEnd:
		a.handleEnd(frame)
	}
}

func (a *Aggregator) handleStart(frame *protocol.Frame) {
	a.mu.Lock()
	if a.open {
		// The previous reply never got its stream_end; drop it rather
		// than splice two replies together.
		a.logger.Warn("stream_start while a stream is open, discarding previous",
			zap.String("message_id", a.messageID))
		a.resetLocked()
	}
	a.openLocked(frame)
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.logger.Debug("stream started", zap.String("message_id", snap.MessageID))
	a.bus.Publish(events.StreamStarted, snap)
}

func (a *Aggregator) handleToken(frame *protocol.Frame) {
	a.mu.Lock()
	implicit := !a.open
	if implicit {
		a.openLocked(frame)
	}
	a.tokens++
	if frame.Content != "" {
		// Backend snapshot wins over local accumulation.
		a.buf.Reset()
		a.buf.WriteString(frame.Content)
	} else {
		a.buf.WriteString(frame.Token)
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if implicit {
		a.logger.Debug("stream_token with no open stream, opening implicitly",
			zap.String("message_id", snap.MessageID))
		a.bus.Publish(events.StreamStarted, snap)
	}
	a.bus.Publish(events.StreamUpdated, snap)
}

func (a *Aggregator) handleEnd(frame *protocol.Frame) {
	a.mu.Lock()
	if !a.open {
		a.logger.Debug("stream_end with no open stream, opening implicitly")
		a.openLocked(frame)
	}

	content := a.buf.String()
	if frame.FinalContent != "" {
		content = frame.FinalContent
	}

	msg := &protocol.Message{
		ID:        a.messageID,
		Sender:    "assistant",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if frame.Message != nil {
		if frame.Message.ID != "" {
			msg.ID = frame.Message.ID
		}
		if frame.Message.ConversationID != "" {
			msg.ConversationID = frame.Message.ConversationID
		}
		if frame.Message.Sender != "" {
			msg.Sender = frame.Message.Sender
		}
		if msg.Content == "" {
			msg.Content = frame.Message.Content
		}
		if !frame.Message.CreatedAt.IsZero() {
			msg.CreatedAt = frame.Message.CreatedAt
		}
	}

	done := CompletedStream{
		Message: msg,
		Tokens:  a.tokens,
		Elapsed: time.Since(a.startedAt),
	}
	a.resetLocked()
	a.mu.Unlock()

	a.logger.Debug("stream completed",
		zap.String("message_id", msg.ID),
		zap.Int("tokens", done.Tokens),
		zap.Duration("elapsed", done.Elapsed))
	a.bus.Publish(events.StreamCompleted, done)
}

// onDisconnect discards any partial stream. The backend persists the full
// reply server-side, so the partial content is not worth surfacing as a
// truncated assistant message.
func (a *Aggregator) onDisconnect(events.Event) {
	a.mu.Lock()
	wasOpen := a.open
	id := a.messageID
	a.resetLocked()
	a.mu.Unlock()

	if wasOpen {
		a.logger.Info("connection lost mid-stream, discarding partial reply",
			zap.String("message_id", id))
	}
}

// Current returns the in-flight stream, if any.
func (a *Aggregator) Current() (StreamSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return StreamSnapshot{}, false
	}
	return a.snapshotLocked(), true
}

func (a *Aggregator) openLocked(frame *protocol.Frame) {
	a.open = true
	a.tokens = 0
	a.buf.Reset()
	a.startedAt = time.Now()
	if frame.Message != nil && frame.Message.ID != "" {
		a.messageID = frame.Message.ID
	} else {
		a.messageID = uuid.NewString()
	}
	metrics.StreamOpen.Set(1)
}

func (a *Aggregator) resetLocked() {
	a.open = false
	a.messageID = ""
	a.tokens = 0
	a.buf.Reset()
	metrics.StreamOpen.Set(0)
}

func (a *Aggregator) snapshotLocked() StreamSnapshot {
	return StreamSnapshot{
		MessageID: a.messageID,
		Content:   a.buf.String(),
		Tokens:    a.tokens,
		StartedAt: a.startedAt,
	}
}
