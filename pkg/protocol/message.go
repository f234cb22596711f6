package protocol

import (
	"time"
)

// MessageType represents the kind of a chat message.
type MessageType string

const (
	MessageTypeText       MessageType = "text"
	MessageTypeImage      MessageType = "image"
	MessageTypePriceOffer MessageType = "price_offer"
)

// String returns the string representation of MessageType.
// An empty type is reported as text.
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText, "":
		return "TEXT"
	case MessageTypeImage:
		return "IMAGE"
	case MessageTypePriceOffer:
		return "PRICE_OFFER"
	default:
		return "UNKNOWN"
	}
}

// Metadata carries type-specific message data.
type Metadata struct {
	ImageURL string   `json:"imageUrl,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
}

// Message represents a persisted chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	Metadata       *Metadata   `json:"metadata,omitempty"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Before reports whether m sorts before other: by CreatedAt, ties broken by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Conversation is a two-participant thread about one food post.
// The fields after UpdatedAt are derived views maintained by the client.
type Conversation struct {
	ID             string    `json:"id"`
	FoodPostID     string    `json:"foodPostId"`
	Participant1ID string    `json:"participant1Id"`
	Participant2ID string    `json:"participant2Id"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	FoodPostTitle        string `json:"foodPostTitle,omitempty"`
	FoodPostImageURL     string `json:"foodPostImageUrl,omitempty"`
	OtherParticipantID   string `json:"otherParticipantId,omitempty"`
	OtherParticipantName string `json:"otherParticipantName,omitempty"`
	LastMessageContent   string `json:"lastMessageContent,omitempty"`
	UnreadCount          int    `json:"unreadCount,omitempty"`
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// User is the identity of the signed-in user.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
