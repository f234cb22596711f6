package devserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/metrics"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// Client represents one connected WebSocket of a user.
type Client struct {
	UserID   string
	Conn     *websocket.Conn
	Outgoing chan protocol.Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

// Hub manages connected clients, keyed by user. A user may have several
// clients open at once.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewHub creates a new Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.OrGlobal(log).Named("hub"),
	}
}

// Register adds a connection for userID and starts its writer.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		UserID:   userID,
		Conn:     conn,
		Outgoing: make(chan protocol.Envelope, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()

	metrics.DevServerConnections.Inc()
	go c.writeLoop(h.logger)
	return c
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.UserID]
	if ok {
		if _, ok = set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.UserID)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.cancel()
	metrics.DevServerConnections.Dec()
	c.Conn.Close(websocket.StatusNormalClosure, "bye")
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// SendTo queues env for every client of the given users. Clients whose
// queue is full miss the envelope.
func (h *Hub) SendTo(userIDs []string, env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, uid := range userIDs {
		for c := range h.clients[uid] {
			select {
			case c.Outgoing <- env:
			default:
				h.logger.Warn("client queue full, dropping envelope",
					zap.String("user_id", uid),
					zap.String("type", string(env.Type)),
				)
			}
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.Unregister(c)
	}
}

func (c *Client) writeLoop(log *logger.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.Outgoing:
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.Conn, env)
			cancel()
			if err != nil {
				log.Debug("failed to write envelope", zap.String("user_id", c.UserID), zap.Error(err))
				return
			}
		}
	}
}
