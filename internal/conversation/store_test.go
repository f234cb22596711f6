package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omochice/foodshare-chat/internal/conversation"
	"github.com/omochice/foodshare-chat/internal/realtime"
	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func msg(id, conv, sender string, sec int) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        "content of " + id,
		CreatedAt:      at(sec),
	}
}

// fakeAPI serves canned snapshots. Messages calls block on gate when set.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []protocol.Conversation
	messages      map[string][]protocol.Message
	convErr       error
	markErr       error
	marked        []string
	gate          map[string]chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: make(map[string][]protocol.Message),
		gate:     make(map[string]chan struct{}),
	}
}

func (a *fakeAPI) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convErr != nil {
		return nil, a.convErr
	}
	return append([]protocol.Conversation(nil), a.conversations...), nil
}

func (a *fakeAPI) Messages(ctx context.Context, conversationID string, limit, offset int) ([]protocol.Message, error) {
	a.mu.Lock()
	gate := a.gate[conversationID]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	all := a.messages[conversationID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]protocol.Message(nil), all[offset:end]...), nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markErr != nil {
		return a.markErr
	}
	a.marked = append(a.marked, conversationID)
	return nil
}

func (a *fakeAPI) markedCount(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, id := range a.marked {
		if id == conversationID {
			n++
		}
	}
	return n
}

var _ conversation.API = (*fakeAPI)(nil)

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (s *recordingSender) Send(ctx context.Context, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
}

func (s *recordingSender) envelopes() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent...)
}

var _ realtime.Sender = (*recordingSender)(nil)

type ack struct {
	conversationID string
	messageIDs     []string
}

type recordingAcks struct {
	ch chan ack
}

func newRecordingAcks() *recordingAcks {
	return &recordingAcks{ch: make(chan ack, 16)}
}

func (r *recordingAcks) Acknowledge(conversationID string, messageIDs ...string) {
	r.ch <- ack{conversationID, messageIDs}
}

func (r *recordingAcks) next(t *testing.T) ack {
	t.Helper()
	select {
	case a := <-r.ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for acknowledgement")
		return ack{}
	}
}

func ids(msgs []protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newStore(opts conversation.Options) *conversation.Store {
	if opts.LocalUserID == "" {
		opts.LocalUserID = "me"
	}
	opts.Logger = logger.Nop()
	return conversation.NewStore(opts)
}

func TestStore_ApplyChatIsIdempotent(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	m := msg("m1", "c1", "me", 1)
	if !s.ApplyChat("c1", m) {
		t.Error("ApplyChat() = false for a new message, want true")
	}
	if s.ApplyChat("c1", m) {
		t.Error("ApplyChat() = true for a replayed message, want false")
	}

	if got := len(s.Messages("c1")); got != 1 {
		t.Errorf("len(Messages()) = %d, want 1", got)
	}
}

func TestStore_MessagesStaySorted(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	arrivals := []protocol.Message{
		msg("b", "c1", "me", 5),
		msg("x", "c2", "me", 2),
		msg("a", "c1", "me", 1),
		msg("d", "c1", "me", 5),
		msg("c", "c1", "me", 3),
		msg("y", "c2", "me", 1),
	}
	for _, m := range arrivals {
		s.ApplyChat(m.ConversationID, m)

		list := s.Messages(m.ConversationID)
		for i := 1; i < len(list); i++ {
			if list[i].Before(list[i-1]) {
				t.Fatalf("Messages(%s) out of order after %s: %v", m.ConversationID, m.ID, ids(list))
			}
		}
	}

	if got, want := ids(s.Messages("c1")), []string{"a", "c", "b", "d"}; !equal(got, want) {
		t.Errorf("Messages(c1) = %v, want %v", got, want)
	}
	if got, want := ids(s.Messages("c2")), []string{"y", "x"}; !equal(got, want) {
		t.Errorf("Messages(c2) = %v, want %v", got, want)
	}
}

func TestStore_SnapshotThenStreamedMessage(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	c1 := protocol.Conversation{
		ID:             "c1",
		FoodPostTitle:  "Sourdough loaf",
		Participant1ID: "me",
		Participant2ID: "u2",
		LastMessageAt:  at(2),
	}
	s.LoadSnapshot(
		[]protocol.Conversation{c1},
		[]protocol.Message{msg("m1", "c1", "u2", 1), msg("m2", "c1", "me", 2)},
	)
	s.ApplyChat("c1", msg("m3", "c1", "u2", 3))

	if got, want := ids(s.Messages("c1")), []string{"m1", "m2", "m3"}; !equal(got, want) {
		t.Errorf("Messages(c1) = %v, want %v", got, want)
	}

	conv, ok := s.Conversation("c1")
	if !ok {
		t.Fatal("Conversation(c1) not found")
	}
	if conv.LastMessageContent != "content of m3" {
		t.Errorf("LastMessageContent = %q, want content of m3", conv.LastMessageContent)
	}
	if !conv.LastMessageAt.Equal(at(3)) {
		t.Errorf("LastMessageAt = %v, want %v", conv.LastMessageAt, at(3))
	}
	if conv.FoodPostTitle != "Sourdough loaf" {
		t.Errorf("FoodPostTitle = %q, want unchanged", conv.FoodPostTitle)
	}
	if conv.OtherParticipantID != "u2" {
		t.Errorf("OtherParticipantID = %q, want u2", conv.OtherParticipantID)
	}
}

func TestStore_SnapshotDeduplicatesStreamedMessages(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	s.ApplyChat("c1", msg("m2", "c1", "u2", 2))
	s.LoadSnapshot(nil, []protocol.Message{msg("m1", "c1", "u2", 1), msg("m2", "c1", "u2", 2)})

	if got, want := ids(s.Messages("c1")), []string{"m1", "m2"}; !equal(got, want) {
		t.Errorf("Messages(c1) = %v, want %v", got, want)
	}
}

func TestStore_ReadReceiptIsMonotonic(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	s.ApplyChat("c1", msg("m1", "c1", "me", 1))
	s.ApplyChat("c1", msg("m2", "c1", "u2", 2))
	s.ApplyReadReceipt("c1")

	for _, m := range s.Messages("c1") {
		want := m.SenderID == "me"
		if m.IsRead != want {
			t.Errorf("%s IsRead = %v, want %v", m.ID, m.IsRead, want)
		}
	}

	// A stale snapshot copy of m1 must not revert it to unread.
	stale := msg("m1", "c1", "me", 1)
	s.LoadSnapshot(nil, []protocol.Message{stale})
	s.ApplyChat("c1", stale)

	if got := s.Messages("c1")[0]; !got.IsRead {
		t.Errorf("m1 IsRead = false after stale replay, want true")
	}
}

func TestStore_TypingExpiresOnce(t *testing.T) {
	var mu sync.Mutex
	changes := 0
	s := newStore(conversation.Options{
		TypingTimeout: 60 * time.Millisecond,
		OnChange: func(string) {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	defer s.Shutdown()

	s.MarkTypingActive("c1")
	if !s.IsTyping("c1") {
		t.Fatal("IsTyping() = false after typing envelope, want true")
	}

	// Renewals keep the indicator on past the first timeout.
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		s.MarkTypingActive("c1")
	}
	if !s.IsTyping("c1") {
		t.Error("IsTyping() = false while renewed, want true")
	}

	time.Sleep(200 * time.Millisecond)

	if s.IsTyping("c1") {
		t.Error("IsTyping() = true after quiet period, want false")
	}
	mu.Lock()
	defer mu.Unlock()
	// one change to set, one to clear
	if changes != 2 {
		t.Errorf("change notifications = %d, want 2", changes)
	}
}

func TestStore_HandleEnvelope(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	chat := msg("m1", "c1", "u2", 1)
	tests := []struct {
		name    string
		env     protocol.Envelope
		wantErr bool
	}{
		{"chat", protocol.Envelope{Type: protocol.TypeChat, ConversationID: "c1", Message: &chat}, false},
		{"chat without message", protocol.Envelope{Type: protocol.TypeChat, ConversationID: "c1"}, true},
		{"typing", protocol.NewTyping("c1"), false},
		{"typing without conversation", protocol.Envelope{Type: protocol.TypeTyping}, true},
		{"read", protocol.NewRead("c1"), false},
		{"connected", protocol.Envelope{Type: protocol.TypeConnected}, false},
		{"request created", protocol.Envelope{Type: protocol.TypeRequestCreated}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.HandleEnvelope(tt.env)
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if got := len(s.Messages("c1")); got != 1 {
		t.Errorf("len(Messages(c1)) = %d, want 1", got)
	}
	if !s.IsTyping("c1") {
		t.Error("IsTyping(c1) = false, want true")
	}
}

func TestStore_ErrorEnvelopeGoesToActiveConversation(t *testing.T) {
	api := newFakeAPI()
	s := newStore(conversation.Options{API: api})
	defer s.Shutdown()

	if err := s.HandleEnvelope(protocol.Envelope{Type: protocol.TypeError, Error: "ignored"}); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	if err := s.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.HandleEnvelope(protocol.Envelope{Type: protocol.TypeError, Error: "message too long"}); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	if got := s.LastError("c1"); got != "message too long" {
		t.Errorf("LastError(c1) = %q, want message too long", got)
	}
	if got := s.LastError("c2"); got != "" {
		t.Errorf("LastError(c2) = %q, want empty", got)
	}
}

func TestStore_OpenLoadsAndMarksRead(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []protocol.Conversation{{ID: "c1", UnreadCount: 2, LastMessageAt: at(2)}}
	api.messages["c1"] = []protocol.Message{msg("m1", "c1", "u2", 1), msg("m2", "c1", "u2", 2)}
	sender := &recordingSender{}
	acks := newRecordingAcks()

	s := newStore(conversation.Options{API: api, Sender: sender, Unread: acks})
	defer s.Shutdown()

	if err := s.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	a := acks.next(t)
	if a.conversationID != "c1" || len(a.messageIDs) != 0 {
		t.Errorf("Acknowledge(%s, %v), want Acknowledge(c1)", a.conversationID, a.messageIDs)
	}
	if got := api.markedCount("c1"); got != 1 {
		t.Errorf("MarkRead calls = %d, want 1", got)
	}

	sent := sender.envelopes()
	if len(sent) != 1 || sent[0].Type != protocol.TypeRead || sent[0].ConversationID != "c1" {
		t.Errorf("sent = %+v, want one read envelope for c1", sent)
	}

	conv, _ := s.Conversation("c1")
	if conv.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", conv.UnreadCount)
	}
	for _, m := range s.Messages("c1") {
		if !m.IsRead {
			t.Errorf("%s IsRead = false after open, want true", m.ID)
		}
	}
}

func TestStore_ChatInActiveConversationIsReadInPlace(t *testing.T) {
	api := newFakeAPI()
	acks := newRecordingAcks()
	s := newStore(conversation.Options{API: api, Sender: &recordingSender{}, Unread: acks})
	defer s.Shutdown()

	if err := s.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	acks.next(t)

	s.ApplyChat("c1", msg("m1", "c1", "u2", 1))
	a := acks.next(t)
	if a.conversationID != "c1" || !equal(a.messageIDs, []string{"m1"}) {
		t.Errorf("Acknowledge(%s, %v), want Acknowledge(c1, m1)", a.conversationID, a.messageIDs)
	}

	s.ApplyChat("c2", msg("m2", "c2", "u3", 2))
	s.ApplyChat("c1", msg("m3", "c1", "me", 3))

	select {
	case a := <-acks.ch:
		t.Errorf("unexpected Acknowledge(%s, %v)", a.conversationID, a.messageIDs)
	case <-time.After(50 * time.Millisecond):
	}

	if conv, _ := s.Conversation("c2"); conv.UnreadCount != 1 {
		t.Errorf("c2 UnreadCount = %d, want 1", conv.UnreadCount)
	}
}

func TestStore_FailedMarkReadKeepsUnread(t *testing.T) {
	api := newFakeAPI()
	api.markErr = errors.New("service unavailable")
	api.conversations = []protocol.Conversation{{ID: "c1", UnreadCount: 3}}
	sender := &recordingSender{}
	acks := newRecordingAcks()

	s := newStore(conversation.Options{API: api, Sender: sender, Unread: acks})

	if err := s.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Shutdown()

	if got := len(sender.envelopes()); got != 0 {
		t.Errorf("sent %d envelopes after failed mark-read, want 0", got)
	}
	if got := len(acks.ch); got != 0 {
		t.Errorf("acknowledgements = %d after failed mark-read, want 0", got)
	}
	if conv, _ := s.Conversation("c1"); conv.UnreadCount != 3 {
		t.Errorf("UnreadCount = %d, want 3", conv.UnreadCount)
	}
}

func TestStore_StaleOpenIsDiscarded(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = []protocol.Message{msg("m1", "c1", "u2", 1)}
	api.messages["c2"] = []protocol.Message{msg("m2", "c2", "u3", 1)}
	api.gate["c1"] = make(chan struct{})

	s := newStore(conversation.Options{API: api})
	defer s.Shutdown()

	errc := make(chan error, 1)
	go func() { errc <- s.Open(context.Background(), "c1") }()

	// Wait until the c1 load is in flight before switching.
	deadline := time.Now().Add(time.Second)
	for s.Active() != "c1" {
		if time.Now().After(deadline) {
			t.Fatal("c1 never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Open(context.Background(), "c2"); err != nil {
		t.Fatalf("Open(c2) error = %v", err)
	}
	close(api.gate["c1"])

	select {
	case err := <-errc:
		if !errors.Is(err, conversation.ErrInactive) {
			t.Errorf("Open(c1) error = %v, want ErrInactive", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Open(c1) did not return")
	}

	if got := len(s.Messages("c1")); got != 0 {
		t.Errorf("len(Messages(c1)) = %d, want stale load discarded", got)
	}
	if got := s.Active(); got != "c2" {
		t.Errorf("Active() = %q, want c2", got)
	}
}

func TestStore_CloseClearsTyping(t *testing.T) {
	s := newStore(conversation.Options{TypingTimeout: time.Minute})
	defer s.Shutdown()

	s.MarkTypingActive("c1")
	s.Close("c1")

	if s.IsTyping("c1") {
		t.Error("IsTyping() = true after Close, want false")
	}
}

func TestStore_RefreshFailureKeepsState(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []protocol.Conversation{{ID: "c1"}, {ID: "c2"}}
	s := newStore(conversation.Options{API: api})
	defer s.Shutdown()

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	api.mu.Lock()
	api.convErr = errors.New("timeout")
	api.mu.Unlock()

	if err := s.Refresh(context.Background()); err == nil {
		t.Error("Refresh() error = nil, want error")
	}
	if got := len(s.Conversations()); got != 2 {
		t.Errorf("len(Conversations()) = %d after failed refresh, want 2", got)
	}
}

func TestStore_ConversationsByRecentActivity(t *testing.T) {
	s := newStore(conversation.Options{})
	defer s.Shutdown()

	s.LoadSnapshot([]protocol.Conversation{
		{ID: "old", LastMessageAt: at(1)},
		{ID: "new", LastMessageAt: at(5)},
		{ID: "mid", LastMessageAt: at(3)},
	}, nil)
	s.ApplyChat("old", msg("m9", "old", "u2", 9))

	var got []string
	for _, c := range s.Conversations() {
		got = append(got, c.ID)
	}
	if want := []string{"old", "new", "mid"}; !equal(got, want) {
		t.Errorf("Conversations() = %v, want %v", got, want)
	}
}

func TestStore_LoadOlderPages(t *testing.T) {
	api := newFakeAPI()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		api.messages["c1"] = append(api.messages["c1"], msg(id, "c1", "u2", 10-i))
	}
	s := newStore(conversation.Options{API: api, PageSize: 2})
	defer s.Shutdown()

	if _, err := s.LoadOlder(context.Background(), "c1"); !errors.Is(err, conversation.ErrInactive) {
		t.Errorf("LoadOlder() on inactive error = %v, want ErrInactive", err)
	}

	if err := s.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	added, err := s.LoadOlder(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LoadOlder() error = %v", err)
	}
	if added != 2 {
		t.Errorf("LoadOlder() = %d, want 2", added)
	}
	if got, want := ids(s.Messages("c1")), []string{"m3", "m2", "m1", "m0"}; !equal(got, want) {
		t.Errorf("Messages(c1) = %v, want %v", got, want)
	}
}
