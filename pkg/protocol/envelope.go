// Package protocol defines the envelopes exchanged over the realtime
// connection and the entities they carry.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeType is the tag of an Envelope.
type EnvelopeType string

const (
	TypeConnected      EnvelopeType = "connected"
	TypeChat           EnvelopeType = "chat"
	TypeTyping         EnvelopeType = "typing"
	TypeRead           EnvelopeType = "read"
	TypeError          EnvelopeType = "error"
	TypeRequestCreated EnvelopeType = "request_created"
	TypeRequestUpdated EnvelopeType = "request_updated"
)

var (
	// ErrUnknownType is returned when an envelope carries an unrecognized tag.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrMissingConversation is returned when a conversation-scoped envelope
	// has no conversation id.
	ErrMissingConversation = errors.New("envelope missing conversationId")
)

// Known reports whether t is a recognized envelope tag.
func (t EnvelopeType) Known() bool {
	switch t {
	case TypeConnected, TypeChat, TypeTyping, TypeRead, TypeError,
		TypeRequestCreated, TypeRequestUpdated:
		return true
	default:
		return false
	}
}

// Scoped reports whether envelopes of type t belong to one conversation.
func (t EnvelopeType) Scoped() bool {
	switch t {
	case TypeChat, TypeTyping, TypeRead:
		return true
	default:
		return false
	}
}

// Envelope is one unit sent or received over the realtime connection.
//
// Outbound chat envelopes carry Content (plus MessageType and Metadata for
// image and price offer variants); inbound chat envelopes carry the
// persisted Message.
type Envelope struct {
	Type           EnvelopeType `json:"type"`
	ConversationID string       `json:"conversationId,omitempty"`
	Content        string       `json:"content,omitempty"`
	MessageType    MessageType  `json:"messageType,omitempty"`
	Metadata       *Metadata    `json:"metadata,omitempty"`
	Message        *Message     `json:"message,omitempty"`
	Error          string       `json:"error,omitempty"`
	Timestamp      *time.Time   `json:"timestamp,omitempty"`
}

// Validate checks the tag and the conversation scoping invariant.
func (e Envelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Type.Scoped() && e.ConversationID == "" {
		return fmt.Errorf("%w: type %s", ErrMissingConversation, e.Type)
	}
	return nil
}

// Encode encodes the envelope as a JSON frame.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON frame into the envelope. Only the frame syntax and
// the tag are checked.
func (e *Envelope) Decode(data []byte) error {
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if !decoded.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, decoded.Type)
	}
	*e = decoded
	return nil
}

// NewChat builds an outbound text chat envelope.
func NewChat(conversationID, content string) Envelope {
	return Envelope{Type: TypeChat, ConversationID: conversationID, Content: content}
}

// NewTyping builds an outbound typing envelope.
func NewTyping(conversationID string) Envelope {
	return Envelope{Type: TypeTyping, ConversationID: conversationID}
}

// NewRead builds an outbound read receipt envelope.
func NewRead(conversationID string) Envelope {
	return Envelope{Type: TypeRead, ConversationID: conversationID}
}
