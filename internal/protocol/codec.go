package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Codec errors. ErrUnknownType is distinct from a malformed frame: the JSON
// was valid but the discriminant is outside the closed vocabulary.
var (
	ErrUnknownType  = errors.New("protocol: unknown frame type")
	ErrMissingType  = errors.New("protocol: frame has no type discriminant")
	ErrInvalidFrame = errors.New("protocol: invalid frame payload")
)

// wireFrame mirrors the JSON wire shape. The "message" key is kept raw
// because it holds a string on outbound chat frames and an object on inbound
// server frames.
type wireFrame struct {
	Type         FrameType       `json:"type"`
	Message      json.RawMessage `json:"message,omitempty"`
	Attachments  []string        `json:"attachments,omitempty"`
	IsTyping     *bool           `json:"is_typing,omitempty"`
	Token        string          `json:"token,omitempty"`
	Content      string          `json:"content,omitempty"`
	FinalContent string          `json:"final_content,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

// Encode serializes an outbound frame, stamping the send time.
func Encode(f *Frame) ([]byte, error) {
	w := wireFrame{
		Type:         f.Type,
		Attachments:  f.Attachments,
		Token:        f.Token,
		Content:      f.Content,
		FinalContent: f.FinalContent,
		Error:        f.Error,
	}

	now := f.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	w.Timestamp = &now

	if f.Type == TypeTypingIndicator {
		isTyping := f.IsTyping
		w.IsTyping = &isTyping
	}

	switch {
	case f.Type == TypeChatMessage:
		raw, err := json.Marshal(f.Text)
		if err != nil {
			return nil, fmt.Errorf("encode chat message: %w", err)
		}
		w.Message = raw
	case f.Message != nil:
		raw, err := json.Marshal(f.Message)
		if err != nil {
			return nil, fmt.Errorf("encode message object: %w", err)
		}
		w.Message = raw
	}

	return json.Marshal(&w)
}

// Decode parses and validates one inbound frame. A malformed envelope or a
// payload missing its required fields yields an error wrapping
// ErrInvalidFrame; a valid envelope with an unrecognized discriminant yields
// ErrUnknownType so the caller can drop it in its default arm.
func Decode(data []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if w.Type == "" {
		return nil, ErrMissingType
	}
	if !w.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	f := &Frame{
		Type:         w.Type,
		Attachments:  w.Attachments,
		Token:        w.Token,
		Content:      w.Content,
		FinalContent: w.FinalContent,
		Error:        w.Error,
	}
	if w.IsTyping != nil {
		f.IsTyping = *w.IsTyping
	}
	if w.Timestamp != nil {
		f.Timestamp = *w.Timestamp
	}

	if len(w.Message) > 0 {
		if w.Type == TypeChatMessage {
			if err := json.Unmarshal(w.Message, &f.Text); err != nil {
				return nil, fmt.Errorf("%w: chat_message text: %v", ErrInvalidFrame, err)
			}
		} else {
			var msg Message
			if err := json.Unmarshal(w.Message, &msg); err != nil {
				return nil, fmt.Errorf("%w: message object: %v", ErrInvalidFrame, err)
			}
			f.Message = &msg
		}
	}

	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// validate enforces per-type required fields. The checks are intentionally
// minimal: absence of a required field is a parse error, extra fields are
// ignored.
func (f *Frame) validate() error {
	switch f.Type {
	case TypeChatMessage:
		if f.Text == "" {
			return fmt.Errorf("%w: chat_message requires message text", ErrInvalidFrame)
		}
	case TypeStreamToken:
		// The content snapshot is authoritative; a token frame without it
		// cannot be aggregated.
		if f.Content == "" && f.Token == "" {
			return fmt.Errorf("%w: stream_token requires token or content", ErrInvalidFrame)
		}
	case TypeError:
		if f.Error == "" {
			return fmt.Errorf("%w: error frame requires error text", ErrInvalidFrame)
		}
	}
	return nil
}
