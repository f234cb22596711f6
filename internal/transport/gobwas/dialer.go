package gobwas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/foodshare-chat/internal/realtime"
	wstransport "github.com/omochice/foodshare-chat/internal/transport/ws"
)

// Dialer opens authenticated WebSocket connections to a fixed URL.
type Dialer struct {
	URL     string
	Timeout time.Duration
}

// NewDialer creates a Dialer for the given ws:// or wss:// URL.
func NewDialer(address string) *Dialer {
	return &Dialer{URL: address, Timeout: 10 * time.Second}
}

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	target, err := wstransport.WithToken(d.URL, token)
	if err != nil {
		return nil, err
	}

	dialer := ws.Dialer{
		Timeout: d.Timeout,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}

	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && int(status) == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to connect to server: %w", realtime.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return NewConn(conn, br), nil
}

var _ realtime.Dialer = (*Dialer)(nil)
