// Package restapi is the client of the REST collaborator that serves
// conversation snapshots, unread counts and the user identity.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/metrics"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// ErrUnauthorized is matched by errors for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the REST collaborator.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenSource
	logger  *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrGlobal(c.logger).Named("restapi")
	return c, nil
}

// Conversations fetches the user's conversations.
func (c *Client) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	var out []protocol.Conversation
	if err := c.do(ctx, http.MethodGet, "conversations", "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches one page of a conversation's messages. The server pages
// newest first; the page is returned oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit, offset int) ([]protocol.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var out []protocol.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, "messages", path, q, &out); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkRead marks every message in the conversation read for the user.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPut, "mark_read", path, nil, nil)
}

// countResponse accepts either count field.
type countResponse struct {
	Count       *int `json:"count"`
	UnreadCount *int `json:"unreadCount"`
}

func (r countResponse) value(preferUnread bool) int {
	first, second := r.Count, r.UnreadCount
	if preferUnread {
		first, second = second, first
	}
	switch {
	case first != nil:
		return *first
	case second != nil:
		return *second
	default:
		return 0
	}
}

func (c *Client) count(ctx context.Context, endpoint, path string, preferUnread bool) (int, error) {
	var out countResponse
	if err := c.do(ctx, http.MethodGet, endpoint, path, nil, &out); err != nil {
		return 0, err
	}
	return out.value(preferUnread), nil
}

// UnreadMessageCount fetches the number of unread messages.
func (c *Client) UnreadMessageCount(ctx context.Context) (int, error) {
	return c.count(ctx, "unread_count", "/api/messages/unread-count", true)
}

// PendingRequestCount fetches the number of incoming requests awaiting a
// decision.
func (c *Client) PendingRequestCount(ctx context.Context) (int, error) {
	return c.count(ctx, "pending_count", "/api/requests/pending/count", false)
}

// UnviewedRequestCount fetches the number of unviewed updates on the user's
// own requests.
func (c *Client) UnviewedRequestCount(ctx context.Context) (int, error) {
	return c.count(ctx, "unviewed_count", "/api/requests/my/unviewed-count", false)
}

// Me fetches the signed-in user.
func (c *Client) Me(ctx context.Context) (protocol.User, error) {
	var out protocol.User
	if err := c.do(ctx, http.MethodGet, "me", "/api/users/me", nil, &out); err != nil {
		return protocol.User{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, query url.Values, out any) error {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordREST(endpoint, status, time.Since(start).Seconds())
	}()

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Message: errorMessage(resp.Body)}
		c.logger.Debug("request rejected",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Message),
		)
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
