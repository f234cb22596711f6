package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"github.com/omochice/foodshare-chat/internal/realtime"
)

// DefaultReadLimit bounds a single inbound message.
const DefaultReadLimit = 1 << 20

// Dialer opens authenticated WebSocket connections to a fixed URL.
type Dialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewDialer creates a Dialer for the given ws:// or wss:// URL.
func NewDialer(address string) *Dialer {
	return &Dialer{URL: address, ReadLimit: DefaultReadLimit}
}

// Dial implements realtime.Dialer. The token travels both as a bearer
// Authorization header and as the token query parameter.
func (d *Dialer) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	target, err := WithToken(d.URL, token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to connect to server: %w", realtime.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	u, _ := url.Parse(target)
	return NewConnWithAddr(conn, u.Host), nil
}

// WithToken returns address with the token query parameter set.
func WithToken(address, token string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url %q: %w", address, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ realtime.Dialer = (*Dialer)(nil)
