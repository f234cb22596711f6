// Package client is the application context of the messaging core. It owns
// the session, the router and every state component, and wires them
// together.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/internal/conversation"
	"github.com/omochice/foodshare-chat/internal/realtime"
	"github.com/omochice/foodshare-chat/internal/typing"
	"github.com/omochice/foodshare-chat/internal/unread"
	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// ErrEmptyMessage is returned when sending a chat message without content.
var ErrEmptyMessage = errors.New("message is empty")

// API is the REST collaborator used by the client.
type API interface {
	conversation.API
	unread.Source
	Me(ctx context.Context) (protocol.User, error)
}

// Options configures a Client.
type Options struct {
	Dialer realtime.Dialer
	Tokens realtime.TokenProvider
	API    API

	// Token is used for the first connect. When empty it is fetched from
	// Tokens.
	Token string

	Backoff              realtime.BackoffConfig
	TypingDebounce       time.Duration
	TypingTimeout        time.Duration
	ReconcileInterval    time.Duration
	SuppressActiveUnread bool

	OnStateChange        func(realtime.State)
	OnConversationChange func(conversationID string)
	OnCounterChange      func(unread.Counter, int)

	Logger *logger.Logger
}

// Client ties the realtime session to the conversation store, the unread
// aggregator and the typing debouncer.
type Client struct {
	opts   Options
	logger *logger.Logger

	session *realtime.Session
	router  *realtime.Router
	store   *conversation.Store
	unread  *unread.Aggregator
	typing  *typing.Debouncer

	mu        sync.Mutex
	user      protocol.User
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	wg sync.WaitGroup
}

// New creates a Client. Nothing connects until Start.
func New(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	if opts.API == nil {
		return nil, errors.New("client: api is required")
	}

	log := logger.OrGlobal(opts.Logger)
	c := &Client{
		opts:   opts,
		logger: log.Named("client"),
	}

	c.router = realtime.NewRouter(log)
	c.session = realtime.NewSession(realtime.SessionConfig{
		Dialer:        opts.Dialer,
		Tokens:        opts.Tokens,
		Dispatcher:    c.router,
		Backoff:       opts.Backoff,
		OnStateChange: c.onStateChange,
		Logger:        log,
	})
	c.store = conversation.NewStore(conversation.Options{
		API:           opts.API,
		Sender:        c.session,
		Unread:        acknowledger{c},
		TypingTimeout: opts.TypingTimeout,
		OnChange:      opts.OnConversationChange,
		Logger:        log,
	})
	c.unread = unread.New(unread.Options{
		Source:         opts.API,
		SuppressActive: opts.SuppressActiveUnread,
		Active:         c.store.Active,
		OnChange:       opts.OnCounterChange,
		Logger:         log,
	})
	c.typing = typing.New(c.session, opts.TypingDebounce, log)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// acknowledger withdraws optimistic increments once a conversation was read
// in place, then re-syncs the message counter with the server.
type acknowledger struct {
	c *Client
}

func (a acknowledger) Acknowledge(conversationID string, messageIDs ...string) {
	a.c.unread.Acknowledge(conversationID, messageIDs...)
	a.c.goBackground(func(ctx context.Context) {
		if err := a.c.unread.ReconcileCounter(ctx, unread.Messages); err != nil && ctx.Err() == nil {
			a.c.logger.Warn("failed to reconcile unread messages", zap.Error(err))
		}
	})
}

// Start resolves the local user, subscribes the state components, connects
// and loads the initial snapshots. Snapshot failures are logged and leave
// the state empty until the next refresh.
func (c *Client) Start(ctx context.Context) error {
	me, err := c.opts.API.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch current user: %w", err)
	}

	c.logger = c.logger.With(zap.String("user_id", me.ID))
	c.store.SetLocalUser(me.ID)
	c.unread.SetLocalUser(me.ID)

	c.mu.Lock()
	c.user = me
	c.mu.Unlock()

	c.router.Subscribe("conversation-store", c.store.HandleEnvelope)
	c.router.Subscribe("unread-aggregator", c.unread.HandleEnvelope)

	c.session.Connect(c.opts.Token)

	c.refresh(ctx)

	interval := c.opts.ReconcileInterval
	c.goBackground(func(ctx context.Context) {
		c.unread.Run(ctx, interval)
	})

	c.logger.Info("client started", zap.String("session_id", c.session.ID()))
	return nil
}

func (c *Client) refresh(ctx context.Context) {
	if err := c.store.Refresh(ctx); err != nil {
		c.logger.Warn("failed to refresh conversations", zap.Error(err))
	}
	if err := c.unread.Reconcile(ctx); err != nil {
		c.logger.Warn("failed to reconcile unread counters", zap.Error(err))
	}
}

func (c *Client) onStateChange(state realtime.State) {
	if state == realtime.StateConnected {
		c.mu.Lock()
		reconnect := c.connected
		c.connected = true
		c.mu.Unlock()

		// Deltas may have been missed while the connection was down.
		if reconnect {
			c.goBackground(func(ctx context.Context) {
				c.refresh(ctx)
			})
		}
	}
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

func (c *Client) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// Stop disconnects and releases every timer and goroutine.
func (c *Client) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	c.session.Disconnect()
	c.typing.Close()
	// Queued envelopes are applied before the store shuts down.
	c.router.Close()
	c.store.Shutdown()
	c.wg.Wait()

	c.logger.Info("client stopped")
}

// WaitConnected blocks until the session handshake completes.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.session.WaitConnected(ctx)
}

// OpenConversation makes conversationID the active conversation and loads
// it.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) error {
	return c.store.Open(ctx, conversationID)
}

// CloseConversation leaves conversationID, dropping its pending typing
// signal.
func (c *Client) CloseConversation(conversationID string) {
	c.typing.Cancel(conversationID)
	c.store.Close(conversationID)
}

// LoadOlder loads the next page of older messages.
func (c *Client) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	return c.store.LoadOlder(ctx, conversationID)
}

// SendChat sends a text message.
func (c *Client) SendChat(ctx context.Context, conversationID, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	return c.send(ctx, protocol.NewChat(conversationID, content))
}

// SendImage sends an image message.
func (c *Client) SendImage(ctx context.Context, conversationID, imageURL, caption string) error {
	if imageURL == "" {
		return ErrEmptyMessage
	}
	env := protocol.NewChat(conversationID, caption)
	env.MessageType = protocol.MessageTypeImage
	env.Metadata = &protocol.Metadata{ImageURL: imageURL}
	return c.send(ctx, env)
}

// SendPriceOffer sends a price offer.
func (c *Client) SendPriceOffer(ctx context.Context, conversationID string, amount float64, note string) error {
	if amount < 0 {
		return fmt.Errorf("invalid offer amount %v", amount)
	}
	env := protocol.NewChat(conversationID, note)
	env.MessageType = protocol.MessageTypePriceOffer
	env.Metadata = &protocol.Metadata{Amount: &amount}
	return c.send(ctx, env)
}

func (c *Client) send(ctx context.Context, env protocol.Envelope) error {
	c.typing.Cancel(env.ConversationID)
	if err := c.session.TrySend(ctx, env); err != nil {
		c.logger.Warn("failed to send message",
			zap.String("conversation_id", env.ConversationID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// NotifyTyping reports local input in conversationID.
func (c *Client) NotifyTyping(conversationID string) {
	c.typing.NotifyTyping(conversationID)
}

// User returns the signed-in user.
func (c *Client) User() protocol.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// State returns the connection state.
func (c *Client) State() realtime.State {
	return c.session.State()
}

// Store returns the conversation store for read-only views.
func (c *Client) Store() *conversation.Store {
	return c.store
}

// Unread returns the unread aggregator.
func (c *Client) Unread() *unread.Aggregator {
	return c.unread
}

// Subscribe registers an additional envelope handler, e.g. for a view.
func (c *Client) Subscribe(name string, h realtime.Handler) *realtime.Subscription {
	return c.router.Subscribe(name, h)
}
