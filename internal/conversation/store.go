// Package conversation keeps the client's view of conversations and their
// messages consistent across REST snapshots and streamed deltas.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/foodshare-chat/internal/realtime"
	"github.com/omochice/foodshare-chat/internal/timerset"
	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

const (
	// DefaultTypingTimeout clears a remote typing indicator after silence.
	DefaultTypingTimeout = 3 * time.Second

	// DefaultPageSize is the number of messages fetched per page.
	DefaultPageSize = 50
)

// ErrInactive is returned when a load finished after its conversation was
// closed or another one was opened.
var ErrInactive = errors.New("conversation is no longer active")

// API is the REST collaborator the store reads snapshots from.
type API interface {
	Conversations(ctx context.Context) ([]protocol.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]protocol.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Acknowledger is told which streamed messages were read in place. With no
// message ids, every pending message of the conversation is acknowledged.
type Acknowledger interface {
	Acknowledge(conversationID string, messageIDs ...string)
}

// Options configures a Store.
type Options struct {
	LocalUserID string

	API    API
	Sender realtime.Sender
	Unread Acknowledger

	TypingTimeout time.Duration
	PageSize      int

	// OnChange is called with the id of every conversation whose view
	// changed, outside the store lock.
	OnChange func(conversationID string)

	Logger *logger.Logger
}

type thread struct {
	conv     protocol.Conversation
	messages []protocol.Message
	ids      map[string]struct{}
	typing   bool
	lastErr  string
}

func newThread(id string) *thread {
	return &thread{
		conv: protocol.Conversation{ID: id},
		ids:  make(map[string]struct{}),
	}
}

// insert adds msg in (createdAt, id) order. A message already present only
// contributes its read flag.
func (t *thread) insert(msg protocol.Message) bool {
	if _, ok := t.ids[msg.ID]; ok {
		if msg.IsRead {
			for i := range t.messages {
				if t.messages[i].ID == msg.ID {
					t.messages[i].IsRead = true
					break
				}
			}
		}
		return false
	}

	i := sort.Search(len(t.messages), func(i int) bool {
		return msg.Before(t.messages[i])
	})
	t.messages = append(t.messages, protocol.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.ids[msg.ID] = struct{}{}
	return true
}

// refreshPreview points the derived preview at the newest known message
// unless the server already reported a newer one.
func (t *thread) refreshPreview() {
	if len(t.messages) == 0 {
		return
	}
	newest := t.messages[len(t.messages)-1]
	if newest.CreatedAt.Before(t.conv.LastMessageAt) {
		return
	}
	t.conv.LastMessageAt = newest.CreatedAt
	t.conv.LastMessageContent = newest.Content
}

// Store owns the in-memory conversations and messages of a session.
// Views read copies; only the store mutates.
type Store struct {
	opts   Options
	logger *logger.Logger
	typing *timerset.Set

	mu         sync.Mutex
	threads    map[string]*thread
	active     string
	activeGen  uint64
	cancelLoad context.CancelFunc

	wg sync.WaitGroup
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Store{
		opts:    opts,
		logger:  logger.OrGlobal(opts.Logger).Named("conversation"),
		typing:  timerset.New(),
		threads: make(map[string]*thread),
	}
}

// SetLocalUser sets the id of the signed-in user once it is known.
func (s *Store) SetLocalUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.LocalUserID = userID
	for _, t := range s.threads {
		s.deriveLocked(t)
	}
}

func (s *Store) threadLocked(id string) *thread {
	t, ok := s.threads[id]
	if !ok {
		t = newThread(id)
		s.threads[id] = t
	}
	return t
}

func (s *Store) deriveLocked(t *thread) {
	if t.conv.OtherParticipantID == "" && s.opts.LocalUserID != "" && t.conv.HasParticipant(s.opts.LocalUserID) {
		t.conv.OtherParticipantID = t.conv.OtherParticipant(s.opts.LocalUserID)
	}
}

func (s *Store) notify(ids ...string) {
	if s.opts.OnChange == nil {
		return
	}
	for _, id := range ids {
		s.opts.OnChange(id)
	}
}

// LoadSnapshot merges a REST baseline: conversations are upserted by id,
// messages are deduplicated by id and kept ordered.
func (s *Store) LoadSnapshot(conversations []protocol.Conversation, messages []protocol.Message) {
	s.mu.Lock()
	changed := s.loadSnapshotLocked(conversations, messages)
	s.mu.Unlock()

	s.notify(changed...)
}

func (s *Store) loadSnapshotLocked(conversations []protocol.Conversation, messages []protocol.Message) []string {
	touched := make(map[string]*thread)

	for _, conv := range conversations {
		if conv.ID == "" {
			continue
		}
		t := s.threadLocked(conv.ID)
		t.conv = conv
		s.deriveLocked(t)
		touched[conv.ID] = t
	}
	for _, msg := range messages {
		if msg.ConversationID == "" || msg.ID == "" {
			continue
		}
		t := s.threadLocked(msg.ConversationID)
		t.insert(msg)
		touched[msg.ConversationID] = t
	}

	ids := make([]string, 0, len(touched))
	for id, t := range touched {
		t.refreshPreview()
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyChat adds a streamed message. It reports false when the message was
// already known. A message from the other participant in the active
// conversation is marked read on the server right away; elsewhere it bumps
// the conversation's unread count.
func (s *Store) ApplyChat(conversationID string, msg protocol.Message) bool {
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if !t.insert(msg) {
		s.mu.Unlock()
		return false
	}
	t.refreshPreview()

	fromOther := msg.SenderID != s.opts.LocalUserID
	readInPlace := fromOther && s.active == conversationID
	if fromOther && !readInPlace {
		t.conv.UnreadCount++
	}
	s.mu.Unlock()

	s.notify(conversationID)
	if readInPlace {
		s.markRead(conversationID, msg.ID)
	}
	return true
}

// ApplyReadReceipt marks every local-user message in the conversation read.
func (s *Store) ApplyReadReceipt(conversationID string) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	changed := false
	if ok {
		for i := range t.messages {
			m := &t.messages[i]
			if m.SenderID == s.opts.LocalUserID && !m.IsRead {
				m.IsRead = true
				changed = true
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(conversationID)
	}
}

// MarkTypingActive shows the remote typing indicator and (re)starts its
// expiry timer.
func (s *Store) MarkTypingActive(conversationID string) {
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	wasTyping := t.typing
	t.typing = true
	s.mu.Unlock()

	s.typing.Reset(conversationID, s.opts.TypingTimeout, func() {
		s.clearTyping(conversationID)
	})
	if !wasTyping {
		s.notify(conversationID)
	}
}

func (s *Store) clearTyping(conversationID string) {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	changed := ok && t.typing
	if changed {
		t.typing = false
	}
	s.mu.Unlock()

	if changed {
		s.notify(conversationID)
	}
}

// HandleEnvelope applies an inbound envelope. It is meant to be registered
// as a router subscriber.
func (s *Store) HandleEnvelope(env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypeChat:
		if env.Message == nil {
			return fmt.Errorf("chat envelope for %s carries no message", env.ConversationID)
		}
		s.ApplyChat(env.ConversationID, *env.Message)
	case protocol.TypeTyping:
		s.MarkTypingActive(env.ConversationID)
	case protocol.TypeRead:
		s.ApplyReadReceipt(env.ConversationID)
	case protocol.TypeError:
		s.recordError(env.Error)
	}
	return nil
}

// recordError surfaces a server error on the active conversation only.
func (s *Store) recordError(message string) {
	s.mu.Lock()
	active := s.active
	if active != "" {
		s.threadLocked(active).lastErr = message
	}
	s.mu.Unlock()

	if active == "" {
		s.logger.Warn("server error with no active conversation", zap.String("error", message))
		return
	}
	s.notify(active)
}

// Open makes conversationID the active conversation, loads its latest
// messages and marks it read. Results that arrive after the conversation was
// closed or replaced are discarded with ErrInactive.
func (s *Store) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	if s.active != "" && s.active != conversationID {
		s.leaveLocked(s.active)
	}
	s.active = conversationID
	s.activeGen++
	gen := s.activeGen
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancelLoad = cancel
	if t, ok := s.threads[conversationID]; ok {
		t.lastErr = ""
	}
	s.mu.Unlock()
	defer cancel()

	if s.opts.API == nil {
		return nil
	}

	var (
		conversations []protocol.Conversation
		messages      []protocol.Message
	)
	g, gctx := errgroup.WithContext(loadCtx)
	g.Go(func() error {
		var err error
		conversations, err = s.opts.API.Conversations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = s.opts.API.Messages(gctx, conversationID, s.opts.PageSize, 0)
		return err
	})
	err := g.Wait()

	s.mu.Lock()
	if s.active != conversationID || s.activeGen != gen {
		s.mu.Unlock()
		return ErrInactive
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	changed := s.loadSnapshotLocked(conversations, messages)
	s.mu.Unlock()

	s.notify(changed...)
	s.markRead(conversationID)
	return nil
}

// Close deactivates conversationID, cancelling its in-flight load and typing
// timer.
func (s *Store) Close(conversationID string) {
	s.mu.Lock()
	if s.active == conversationID {
		if s.cancelLoad != nil {
			s.cancelLoad()
			s.cancelLoad = nil
		}
		s.active = ""
		s.activeGen++
	}
	s.leaveLocked(conversationID)
	s.mu.Unlock()

	s.notify(conversationID)
}

func (s *Store) leaveLocked(conversationID string) {
	s.typing.Stop(conversationID)
	if t, ok := s.threads[conversationID]; ok {
		t.typing = false
		t.lastErr = ""
	}
}

// Refresh re-fetches the conversation list. On failure the current state is
// kept and the error returned.
func (s *Store) Refresh(ctx context.Context) error {
	if s.opts.API == nil {
		return nil
	}
	conversations, err := s.opts.API.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh conversations: %w", err)
	}
	s.LoadSnapshot(conversations, nil)
	return nil
}

// LoadOlder fetches the next page of older messages for the active
// conversation and returns how many were new.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	if s.active != conversationID {
		s.mu.Unlock()
		return 0, ErrInactive
	}
	gen := s.activeGen
	offset := 0
	if t, ok := s.threads[conversationID]; ok {
		offset = len(t.messages)
	}
	s.mu.Unlock()

	if s.opts.API == nil {
		return 0, nil
	}
	messages, err := s.opts.API.Messages(ctx, conversationID, s.opts.PageSize, offset)
	if err != nil {
		return 0, fmt.Errorf("failed to load older messages: %w", err)
	}

	s.mu.Lock()
	if s.active != conversationID || s.activeGen != gen {
		s.mu.Unlock()
		return 0, ErrInactive
	}
	t := s.threadLocked(conversationID)
	added := 0
	for _, msg := range messages {
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if t.insert(msg) {
			added++
		}
	}
	t.refreshPreview()
	s.mu.Unlock()

	if added > 0 {
		s.notify(conversationID)
	}
	return added, nil
}

// markRead marks the conversation read on the server, tells the other
// participant and withdraws the optimistic unread increments.
func (s *Store) markRead(conversationID string, messageIDs ...string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if s.opts.API != nil {
			if err := s.opts.API.MarkRead(ctx, conversationID); err != nil {
				s.logger.Warn("failed to mark conversation read",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
				return
			}
		}
		if s.opts.Sender != nil {
			s.opts.Sender.Send(ctx, protocol.NewRead(conversationID))
		}

		s.mu.Lock()
		if t, ok := s.threads[conversationID]; ok {
			for i := range t.messages {
				if t.messages[i].SenderID != s.opts.LocalUserID {
					t.messages[i].IsRead = true
				}
			}
			t.conv.UnreadCount = 0
		}
		s.mu.Unlock()

		if s.opts.Unread != nil {
			s.opts.Unread.Acknowledge(conversationID, messageIDs...)
		}
		s.notify(conversationID)
	}()
}

// Active returns the active conversation id, if any.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversations returns all conversations, most recent activity first.
func (s *Store) Conversations() []protocol.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Conversation, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one conversation.
func (s *Store) Conversation(id string) (protocol.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return protocol.Conversation{}, false
	}
	return t.conv, true
}

// Messages returns a copy of the conversation's messages, oldest first.
func (s *Store) Messages(id string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil
	}
	return append([]protocol.Message(nil), t.messages...)
}

// IsTyping reports whether the other participant is typing.
func (s *Store) IsTyping(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	return ok && t.typing
}

// LastError returns the last server error shown on the conversation.
func (s *Store) LastError(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[id]; ok {
		return t.lastErr
	}
	return ""
}

// Shutdown cancels timers and in-flight loads and waits for pending
// mark-read calls.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.active = ""
	s.activeGen++
	s.mu.Unlock()

	s.typing.Close()
	s.wg.Wait()
}
