// Package ws provides the WebSocket transport built on nhooyr.io/websocket.
package ws

import (
	"context"

	"nhooyr.io/websocket"

	"github.com/omochice/foodshare-chat/internal/realtime"
)

// Conn adapts nhooyr.io/websocket to realtime.Conn.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewConn wraps a websocket.Conn with empty remote address.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements realtime.Conn.
// Reads one message from the WebSocket connection regardless of frame type.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Write implements realtime.Conn.
// Envelopes are JSON, so they go out as text messages.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements realtime.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements realtime.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

var _ realtime.Conn = (*Conn)(nil)
