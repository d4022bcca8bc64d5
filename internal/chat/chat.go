package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/protocol"
	"github.com/insightloop/insight-client/internal/transport"
)

// Package chat keeps the conversation state the UI renders: the ordered
// message list, the peer typing indicator, the live streaming reply and the
// connection status. It is a pure bus consumer; the transport owns the wire.

// senderUser marks locally appended messages.
const senderUser = "user"

// Conversation is the client-side state of one chat conversation.
type Conversation struct {
	id        string
	bus       *events.Bus
	transport *transport.Manager
	logger    *zap.Logger

	mu         sync.Mutex
	messages   []protocol.Message
	peerTyping bool
	generating bool
	streaming  *transport.StreamSnapshot
	connected  bool
	lastError  string

	subs []*events.Subscription
}

// NewConversation creates conversation state bound to the bus. The transport
// is used only for outbound sends.
func NewConversation(id string, bus *events.Bus, tm *transport.Manager, logger *zap.Logger) *Conversation {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conversation{
		id:        id,
		bus:       bus,
		transport: tm,
		logger:    logger,
	}
	c.subs = append(c.subs,
		bus.Subscribe(events.FrameReceived, c.onFrame),
		bus.Subscribe(events.StreamStarted, c.onStreamStarted),
		bus.Subscribe(events.StreamUpdated, c.onStreamUpdated),
		bus.Subscribe(events.StreamCompleted, c.onStreamCompleted),
		bus.Subscribe(events.Connected, c.onConnected),
		bus.Subscribe(events.Disconnected, c.onDisconnected),
	)
	return c
}

// Close detaches the conversation from the bus.
func (c *Conversation) Close() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
}

// SendMessage appends the user's message locally and hands it to the
// transport. The message appears in the list immediately; message_saved from
// the backend later confirms its server-side identity.
func (c *Conversation) SendMessage(text string, attachments []string) protocol.Message {
	msg := protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: c.id,
		Sender:         senderUser,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.transport.SendChatMessage(text, attachments)
	return msg
}

// SetTyping reports the local user's typing state to the peer.
func (c *Conversation) SetTyping(isTyping bool) {
	c.transport.SendTypingIndicator(isTyping)
}

func (c *Conversation) onFrame(ev events.Event) {
	frame, ok := ev.Payload.(*protocol.Frame)
	if !ok {
		return
	}

	switch frame.Type {
	case protocol.TypeConnectionEstablished:
		c.logger.Debug("conversation ready", zap.String("conversation_id", c.id))

	case protocol.TypeMessageReceived:
		if frame.Message == nil {
			return
		}
		c.mu.Lock()
		c.messages = append(c.messages, *frame.Message)
		c.mu.Unlock()

	case protocol.TypeTypingIndicator:
		c.mu.Lock()
		c.peerTyping = frame.IsTyping
		c.mu.Unlock()

	case protocol.TypeMessageSaved:
		if frame.Message == nil || frame.Message.ID == "" {
			return
		}
		c.confirmSaved(frame.Message)

	case protocol.TypeError:
		c.mu.Lock()
		c.lastError = frame.Error
		c.mu.Unlock()
		c.logger.Warn("server reported error",
			zap.String("conversation_id", c.id),
			zap.String("error", frame.Error))
	}
}

// confirmSaved replaces the provisional id of the most recent unconfirmed
// user message with the backend's persistent one.
func (c *Conversation) confirmSaved(saved *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := &c.messages[i]
		if m.Sender == senderUser && m.Content == saved.Content && m.ID != saved.ID {
			m.ID = saved.ID
			return
		}
	}
}

func (c *Conversation) onStreamStarted(ev events.Event) {
	snap, ok := ev.Payload.(transport.StreamSnapshot)
	if !ok {
		return
	}
	c.mu.Lock()
	c.generating = true
	c.streaming = &snap
	c.mu.Unlock()
}

func (c *Conversation) onStreamUpdated(ev events.Event) {
	snap, ok := ev.Payload.(transport.StreamSnapshot)
	if !ok {
		return
	}
	c.mu.Lock()
	c.streaming = &snap
	c.mu.Unlock()
}

func (c *Conversation) onStreamCompleted(ev events.Event) {
	done, ok := ev.Payload.(transport.CompletedStream)
	if !ok || done.Message == nil {
		return
	}
	c.mu.Lock()
	c.messages = append(c.messages, *done.Message)
	c.generating = false
	c.streaming = nil
	c.peerTyping = false
	c.mu.Unlock()
}

func (c *Conversation) onConnected(events.Event) {
	c.mu.Lock()
	c.connected = true
	c.lastError = ""
	c.mu.Unlock()
}

// onDisconnected clears the live indicators. A partial stream is already
// discarded by the aggregator; the matching state here must not linger.
func (c *Conversation) onDisconnected(events.Event) {
	c.mu.Lock()
	c.connected = false
	c.generating = false
	c.streaming = nil
	c.peerTyping = false
	c.mu.Unlock()
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Messages returns a copy of the message list in arrival order.
func (c *Conversation) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// PeerTyping reports whether the peer is currently typing.
func (c *Conversation) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// Generating reports whether an assistant reply is currently streaming.
func (c *Conversation) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

// Streaming returns the in-flight assistant reply, if any.
func (c *Conversation) Streaming() (transport.StreamSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming == nil {
		return transport.StreamSnapshot{}, false
	}
	return *c.streaming, true
}

// Connected reports the connection status shown in the UI indicator.
func (c *Conversation) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the most recent server-reported error, cleared on
// reconnect.
func (c *Conversation) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}
