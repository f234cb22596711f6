// Package gobwas provides a client WebSocket transport built on
// github.com/gobwas/ws. It works directly on net.Conn without per-message
// allocation of a reader.
package gobwas

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/foodshare-chat/internal/realtime"
)

// Conn wraps a client-side net.Conn speaking the WebSocket protocol.
type Conn struct {
	conn   net.Conn
	reader io.Reader
	addr   string

	// wmu serializes frame writes, including control replies issued while
	// reading.
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn. br holds bytes the server sent together with the
// handshake response and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &Conn{conn: conn, reader: r, addr: conn.RemoteAddr().String()}
}

// lockedWriter routes control frame replies through the write lock.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

// Read implements realtime.Conn.
// Reads the next data message; pings and close frames are handled inline.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	data, _, err := wsutil.ReadServerData(rw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// Write implements realtime.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Close implements realtime.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements realtime.Conn.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

var _ realtime.Conn = (*Conn)(nil)
