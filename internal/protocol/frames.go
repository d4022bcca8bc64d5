package protocol

import (
	"time"
)

// Package protocol defines the duplex frame vocabulary spoken over the chat
// WebSocket. Every frame is a JSON object tagged with a "type" discriminant.
// The set of types is closed: consumers switch over FrameType and handle
// anything unknown in an explicit default arm instead of falling through a
// stringly-typed emitter.

// FrameType discriminates duplex protocol frames.
type FrameType string

// Client → server frame types.
const (
	TypeChatMessage     FrameType = "chat_message"
	TypeTypingIndicator FrameType = "typing_indicator"
	TypePing            FrameType = "ping"
)

// Server → client frame types.
const (
	TypeConnectionEstablished FrameType = "connection_established"
	TypeMessageReceived       FrameType = "message_received"
	TypeStreamStart           FrameType = "stream_start"
	TypeStreamToken           FrameType = "stream_token"
	TypeStreamEnd             FrameType = "stream_end"
	TypeMessageSaved          FrameType = "message_saved"
	TypeError                 FrameType = "error"
	TypePong                  FrameType = "pong"
)

// Known reports whether t belongs to the closed frame vocabulary.
func (t FrameType) Known() bool {
	switch t {
	case TypeChatMessage, TypeTypingIndicator, TypePing,
		TypeConnectionEstablished, TypeMessageReceived,
		TypeStreamStart, TypeStreamToken, TypeStreamEnd,
		TypeMessageSaved, TypeError, TypePong:
		return true
	}
	return false
}

// Message is the chat message object carried inside message_received,
// stream_start, stream_end and message_saved frames.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Content        string    `json:"content,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Frame is one duplex protocol frame. Fields beyond Type are populated
// according to the frame type. The "message" wire key is a plain string on
// outbound chat_message frames and an object on inbound server frames, so
// Frame carries both representations and the codec picks the right one.
type Frame struct {
	Type FrameType

	// chat_message
	Text        string
	Attachments []string

	// typing_indicator
	IsTyping bool

	// stream_token carries the token just produced plus the authoritative
	// content snapshot so far; stream_end carries the final content.
	Token        string
	Content      string
	FinalContent string

	// message_received / stream_start / stream_end / message_saved
	Message *Message

	// error
	Error string

	// Timestamp is stamped by the sender on outbound frames.
	Timestamp time.Time
}

// NewChatMessage builds an outbound chat_message frame.
func NewChatMessage(text string, attachments []string) *Frame {
	if attachments == nil {
		attachments = []string{}
	}
	return &Frame{Type: TypeChatMessage, Text: text, Attachments: attachments}
}

// NewTypingIndicator builds an outbound typing_indicator frame.
func NewTypingIndicator(isTyping bool) *Frame {
	return &Frame{Type: TypeTypingIndicator, IsTyping: isTyping}
}

// NewPing builds a heartbeat ping frame.
func NewPing() *Frame {
	return &Frame{Type: TypePing}
}

// NewPong builds the answer to an inbound ping.
func NewPong() *Frame {
	return &Frame{Type: TypePong}
}
