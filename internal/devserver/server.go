// Package devserver is a local stand-in for the food-sharing backend: an
// in-memory REST API and a WebSocket relay speaking the chat envelope
// protocol.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// Server serves the REST API and the /ws endpoint.
type Server struct {
	opts   Options
	data   *Data
	hub    *Hub
	logger *logger.Logger
}

// New creates a Server over data.
func New(data *Data, opts Options) *Server {
	if opts.RateLimitRequests <= 0 {
		opts.RateLimitRequests = 120
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	log := logger.OrGlobal(opts.Logger).Named("devserver")
	return &Server{
		opts:   opts,
		data:   data,
		hub:    NewHub(log),
		logger: log,
	}
}

// Data returns the server state.
func (s *Server) Data() *Data {
	return s.data
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// IssueToken signs a token for a registered user.
func (s *Server) IssueToken(userID string, ttl time.Duration) (string, error) {
	u, _ := s.data.User(userID)
	return IssueToken(s.opts.JWTSecret, userID, u.Name, ttl)
}

// Close disconnects every WebSocket client.
func (s *Server) Close() {
	s.hub.CloseAll()
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.opts.JWTSecret))
		r.Get("/ws", s.handleWebSocket)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(s.opts.JWTSecret))
		r.Use(httprate.Limit(
			s.opts.RateLimitRequests,
			s.opts.RateLimitWindow,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				return "user:" + userID(r.Context()), nil
			}),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))

		r.Get("/users/me", s.handleMe)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleCreateConversation)
			r.Get("/{id}/messages", s.handleListMessages)
			r.Put("/{id}/read", s.handleMarkRead)
		})

		r.Get("/messages/unread-count", s.handleUnreadCount)

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.handleCreateRequest)
			r.Put("/{id}/status", s.handleUpdateRequest)
			r.Get("/pending/count", s.handlePendingCount)
			r.Get("/my/unviewed-count", s.handleUnviewedCount)
		})
	})

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func writeDataError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := s.data.User(userID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs := s.data.Conversations(userID(r.Context()))
	if convs == nil {
		convs = []protocol.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	FoodPostID    string `json:"foodPostId"`
	FoodPostTitle string `json:"foodPostTitle"`
	OtherUserID   string `json:"otherUserId"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := s.data.User(req.OtherUserID); !ok {
		writeError(w, http.StatusBadRequest, "unknown user")
		return
	}
	conv := s.data.AddConversation(req.FoodPostID, req.FoodPostTitle, userID(r.Context()), req.OtherUserID)
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	msgs, err := s.data.Messages(chi.URLParam(r, "id"), userID(r.Context()), limit, offset)
	if err != nil {
		writeDataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, err := s.data.MarkRead(chi.URLParam(r, "id"), userID(r.Context())); err != nil {
		writeDataError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": s.data.UnreadCount(userID(r.Context()))})
}

type createRequestRequest struct {
	OwnerID    string `json:"ownerId"`
	FoodPostID string `json:"foodPostId"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created := s.data.CreateRequest(userID(r.Context()), req.OwnerID, req.FoodPostID)
	s.hub.SendTo([]string{created.OwnerID}, protocol.Envelope{Type: protocol.TypeRequestCreated})
	writeJSON(w, http.StatusCreated, created)
}

type updateRequestRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	var req updateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != RequestAccepted && req.Status != RequestDeclined {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	updated, err := s.data.UpdateRequest(chi.URLParam(r, "id"), userID(r.Context()), req.Status)
	if err != nil {
		writeDataError(w, err)
		return
	}
	s.hub.SendTo([]string{updated.RequesterID}, protocol.Envelope{Type: protocol.TypeRequestUpdated})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.data.PendingRequestCount(userID(r.Context()))})
}

func (s *Server) handleUnviewedCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.data.UnviewedRequestCount(userID(r.Context()))})
}

// handleWebSocket upgrades an authenticated request and relays envelopes
// until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("failed to accept websocket", zap.Error(err))
		return
	}

	client := s.hub.Register(uid, conn)
	defer s.hub.Unregister(client)

	log := s.logger.With(zap.String("user_id", uid))
	log.Info("client connected")

	now := time.Now().UTC()
	client.Outgoing <- protocol.Envelope{Type: protocol.TypeConnected, Timestamp: &now}

	ctx := client.ctx
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("websocket read failed", zap.Error(err))
			}
			log.Info("client disconnected")
			return
		}
		s.handleEnvelope(uid, env)
	}
}

func (s *Server) handleEnvelope(uid string, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		s.replyError(uid, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeChat:
		msg, participants, err := s.data.AppendMessage(env, uid)
		if err != nil {
			s.replyError(uid, "cannot send to this conversation")
			return
		}
		s.hub.SendTo(participants, protocol.Envelope{
			Type:           protocol.TypeChat,
			ConversationID: msg.ConversationID,
			Message:        &msg,
		})
	case protocol.TypeTyping:
		participants, err := s.data.participants(env.ConversationID, uid)
		if err != nil {
			s.replyError(uid, "cannot signal this conversation")
			return
		}
		s.hub.SendTo(others(participants, uid), protocol.NewTyping(env.ConversationID))
	case protocol.TypeRead:
		participants, err := s.data.MarkRead(env.ConversationID, uid)
		if err != nil {
			s.replyError(uid, "cannot read this conversation")
			return
		}
		s.hub.SendTo(others(participants, uid), protocol.NewRead(env.ConversationID))
	default:
		s.replyError(uid, "unsupported envelope type "+string(env.Type))
	}
}

func (s *Server) replyError(uid, message string) {
	s.hub.SendTo([]string{uid}, protocol.Envelope{Type: protocol.TypeError, Error: message})
}

func others(participants []string, uid string) []string {
	out := make([]string, 0, 1)
	for _, p := range participants {
		if p != uid {
			out = append(out, p)
		}
	}
	return out
}
