package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/metrics"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64
}

// DefaultBackoff returns the default reconnect policy.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// SessionConfig holds the collaborators of a Session.
type SessionConfig struct {
	// ID identifies the session in logs and metrics. Generated when empty.
	ID string

	Dialer     Dialer
	Tokens     TokenProvider
	Dispatcher Dispatcher
	Backoff    BackoffConfig

	// WriteTimeout bounds a single outbound write. Zero means 10s.
	WriteTimeout time.Duration

	// OnStateChange is called after every state transition, outside locks.
	OnStateChange func(State)

	Logger *logger.Logger
}

// Session owns the single persistent connection of an authenticated client.
type Session struct {
	cfg    SessionConfig
	id     string
	logger *logger.Logger

	lifecycle sync.Mutex

	mu       sync.Mutex
	state    State
	token    string
	attempts int
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	changed  chan struct{}

	writeMu sync.Mutex
}

// NewSession creates a disconnected Session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Session{
		cfg:     cfg,
		id:      cfg.ID,
		logger:  logger.OrGlobal(cfg.Logger).Named("session").With(zap.String("session_id", cfg.ID)),
		changed: make(chan struct{}),
	}
	metrics.ConnectionState.WithLabelValues(s.id).Set(float64(StateDisconnected))
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected returns whether the handshake has completed.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Attempts returns the number of reconnect attempts since the last
// successful handshake.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect starts connecting with token. An empty token is fetched from the
// TokenProvider. Connecting again with the same token while connecting or
// connected is a no-op; a different token replaces the current connection.
func (s *Session) Connect(token string) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	running := s.cancel != nil
	same := token == "" || token == s.token
	s.mu.Unlock()

	if running && same {
		return
	}
	if running {
		s.logger.Info("auth token changed, replacing connection")
		s.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.token = token
	s.attempts = 0
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.transition(StateConnecting)
	go s.run(ctx, done)
}

// Disconnect closes the connection, cancels any pending reconnect and waits
// for the connection loop to exit.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.token = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.transition(StateDisconnected)
}

// WaitConnected blocks until the handshake completes or ctx is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, running, changed := s.state, s.cancel != nil, s.changed
		s.mu.Unlock()

		if state == StateConnected {
			return nil
		}
		if !running {
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Send writes env to the server. When not connected the envelope is dropped
// and logged; nothing is queued for later.
func (s *Session) Send(ctx context.Context, env protocol.Envelope) {
	if err := s.TrySend(ctx, env); err != nil {
		s.logger.Warn("dropping outbound envelope",
			zap.String("type", string(env.Type)),
			zap.String("conversation_id", env.ConversationID),
			zap.Error(err),
		)
	}
}

// TrySend writes env to the server and reports failures to the caller.
func (s *Session) TrySend(ctx context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		metrics.RecordSend(string(env.Type), false)
		return ErrNotConnected
	}

	data, err := env.Encode()
	if err != nil {
		metrics.RecordSend(string(env.Type), false)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, data); err != nil {
		metrics.RecordSend(string(env.Type), false)
		return fmt.Errorf("failed to send envelope: %w", err)
	}
	metrics.RecordSend(string(env.Type), true)
	return nil
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := s.newBackOff()
	for {
		token, err := s.currentToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("session lost authentication, giving up", zap.Error(err))
			s.abandon(done)
			return
		}

		conn, err := s.cfg.Dialer.Dial(ctx, token)
		if err == nil {
			err = s.serve(ctx, conn, bo)
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrUnauthorized) {
			s.forgetToken(token)
		}
		s.transition(StateConnecting)

		wait := bo.NextBackOff()
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()
		metrics.ReconnectAttempts.Inc()

		s.logger.Warn("connection lost, scheduling reconnect",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve reads frames from conn until it fails and hands them to the
// dispatcher in receipt order.
func (s *Session) serve(ctx context.Context, conn Conn, bo backoff.BackOff) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	s.logger.Debug("transport open", zap.String("remote_addr", conn.RemoteAddr()))

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownType) {
				reason = "unknown_type"
			}
			metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
			s.logger.Warn("dropping inbound frame", zap.String("reason", reason), zap.Error(err))
			continue
		}
		metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()

		if env.Type == protocol.TypeConnected {
			bo.Reset()
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
			s.transition(StateConnected)
		}

		if s.cfg.Dispatcher != nil {
			s.cfg.Dispatcher.Dispatch(env)
		}
	}
}

func (s *Session) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if s.cfg.Tokens == nil {
		return "", ErrNoToken
	}

	token, err := s.cfg.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch auth token: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, nil
}

func (s *Session) forgetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == token {
		s.token = ""
	}
}

// abandon tears the session down from inside the loop when no token is left.
func (s *Session) abandon(done chan struct{}) {
	s.mu.Lock()
	if s.done != done {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	s.transition(StateDisconnected)
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	if s.state == to {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	hook := s.cfg.OnStateChange
	s.mu.Unlock()

	metrics.ConnectionState.WithLabelValues(s.id).Set(float64(to))
	s.logger.Info("connection state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	if hook != nil {
		hook(to)
	}
}

func (s *Session) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Backoff.Initial
	b.MaxInterval = s.cfg.Backoff.Max
	if s.cfg.Backoff.Multiplier > 1 {
		b.Multiplier = s.cfg.Backoff.Multiplier
	}
	b.RandomizationFactor = s.cfg.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
