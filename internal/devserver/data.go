package devserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/foodshare-chat/pkg/protocol"
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("not a participant")
)

// Request status values.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestDeclined = "declined"
)

// Request is a pickup request on a food post.
type Request struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requesterId"`
	OwnerID     string    `json:"ownerId"`
	FoodPostID  string    `json:"foodPostId"`
	Status      string    `json:"status"`
	Viewed      bool      `json:"viewed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Data is the in-memory state of the development server.
type Data struct {
	mu            sync.RWMutex
	users         map[string]protocol.User
	conversations map[string]*protocol.Conversation
	messages      map[string][]protocol.Message
	requests      map[string]*Request
	now           func() time.Time
}

// NewData creates empty state.
func NewData() *Data {
	return &Data{
		users:         make(map[string]protocol.User),
		conversations: make(map[string]*protocol.Conversation),
		messages:      make(map[string][]protocol.Message),
		requests:      make(map[string]*Request),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// AddUser registers a user.
func (d *Data) AddUser(u protocol.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// User returns a registered user.
func (d *Data) User(id string) (protocol.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// AddConversation creates a conversation between two users about a food post.
func (d *Data) AddConversation(foodPostID, title, participant1, participant2 string) protocol.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	c := &protocol.Conversation{
		ID:             uuid.NewString(),
		FoodPostID:     foodPostID,
		FoodPostTitle:  title,
		Participant1ID: participant1,
		Participant2ID: participant2,
		LastMessageAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	d.conversations[c.ID] = c
	return *c
}

// participants returns the participants of a conversation the user takes
// part in.
func (d *Data) participants(conversationID, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.conversations[conversationID]
	if !ok {
		return nil, errNotFound
	}
	if !c.HasParticipant(userID) {
		return nil, errForbidden
	}
	return []string{c.Participant1ID, c.Participant2ID}, nil
}

// Conversations lists the user's conversations with derived fields filled
// in from the user's point of view, most recent first.
func (d *Data) Conversations(userID string) []protocol.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []protocol.Conversation
	for _, c := range d.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		view := *c
		view.OtherParticipantID = c.OtherParticipant(userID)
		view.OtherParticipantName = d.users[view.OtherParticipantID].Name
		msgs := d.messages[c.ID]
		if n := len(msgs); n > 0 {
			view.LastMessageContent = msgs[n-1].Content
		}
		for _, m := range msgs {
			if m.SenderID != userID && !m.IsRead {
				view.UnreadCount++
			}
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Messages returns a page of messages, newest first.
func (d *Data) Messages(conversationID, userID string, limit, offset int) ([]protocol.Message, error) {
	if _, err := d.participants(conversationID, userID); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	msgs := d.messages[conversationID]
	out := make([]protocol.Message, 0, limit)
	for i := len(msgs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

// AppendMessage persists a message sent by senderID.
func (d *Data) AppendMessage(env protocol.Envelope, senderID string) (protocol.Message, []string, error) {
	participants, err := d.participants(env.ConversationID, senderID)
	if err != nil {
		return protocol.Message{}, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	m := protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: env.ConversationID,
		SenderID:       senderID,
		SenderName:     d.users[senderID].Name,
		Content:        env.Content,
		Type:           env.MessageType,
		Metadata:       env.Metadata,
		CreatedAt:      d.now(),
	}
	if m.Type == "" {
		m.Type = protocol.MessageTypeText
	}
	d.messages[m.ConversationID] = append(d.messages[m.ConversationID], m)

	c := d.conversations[m.ConversationID]
	c.LastMessageAt = m.CreatedAt
	c.UpdatedAt = m.CreatedAt
	return m, participants, nil
}

// MarkRead marks every message not sent by userID read and returns the
// participants to notify.
func (d *Data) MarkRead(conversationID, userID string) ([]string, error) {
	participants, err := d.participants(conversationID, userID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	msgs := d.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != userID {
			msgs[i].IsRead = true
		}
	}
	return participants, nil
}

// UnreadCount counts messages addressed to userID that are not read.
func (d *Data) UnreadCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for id, c := range d.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, m := range d.messages[id] {
			if m.SenderID != userID && !m.IsRead {
				n++
			}
		}
	}
	return n
}

// CreateRequest records a pending request from requesterID to ownerID.
func (d *Data) CreateRequest(requesterID, ownerID, foodPostID string) Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := &Request{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		OwnerID:     ownerID,
		FoodPostID:  foodPostID,
		Status:      RequestPending,
		Viewed:      true,
		CreatedAt:   d.now(),
	}
	d.requests[r.ID] = r
	return *r
}

// UpdateRequest sets the status of a request owned by ownerID. The
// requester has not seen the update yet.
func (d *Data) UpdateRequest(id, ownerID, status string) (Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.requests[id]
	if !ok {
		return Request{}, errNotFound
	}
	if r.OwnerID != ownerID {
		return Request{}, errForbidden
	}
	r.Status = status
	r.Viewed = false
	return *r, nil
}

// PendingRequestCount counts pending requests on userID's posts.
func (d *Data) PendingRequestCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, r := range d.requests {
		if r.OwnerID == userID && r.Status == RequestPending {
			n++
		}
	}
	return n
}

// UnviewedRequestCount counts updates on userID's own requests not yet seen.
func (d *Data) UnviewedRequestCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, r := range d.requests {
		if r.RequesterID == userID && !r.Viewed {
			n++
		}
	}
	return n
}

// SeedDemo fills d with two users and a conversation between them.
func SeedDemo(d *Data) (protocol.User, protocol.User, protocol.Conversation) {
	alice := protocol.User{ID: "alice", Name: "Alice"}
	bob := protocol.User{ID: "bob", Name: "Bob"}
	d.AddUser(alice)
	d.AddUser(bob)
	conv := d.AddConversation("post-1", "Fresh sourdough loaf", alice.ID, bob.ID)
	return alice, bob, conv
}
