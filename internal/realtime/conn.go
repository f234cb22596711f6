// Package realtime manages the persistent connection of a session and the
// fan-out of inbound envelopes to independent subscribers.
package realtime

import (
	"context"
	"errors"

	"github.com/omochice/foodshare-chat/pkg/protocol"
)

var (
	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("not connected to server")

	// ErrUnauthorized is returned by dialers when the server rejects the token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoToken is returned when no auth token is available.
	ErrNoToken = errors.New("no auth token available")
)

// Conn abstracts a bidirectional frame connection.
// This interface isolates transport details from session logic.
type Conn interface {
	// Read reads a single frame.
	// Returns an error when the connection is closed or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}

// TokenProvider supplies a fresh auth token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Dispatcher receives every inbound envelope in arrival order.
type Dispatcher interface {
	Dispatch(env protocol.Envelope)
}

// Sender sends outbound envelopes.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope)
}
