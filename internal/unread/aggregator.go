// Package unread aggregates the unread badges from streamed deltas and
// authoritative REST snapshots.
package unread

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/metrics"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// Counter identifies one of the unread counters.
type Counter int

const (
	// Messages counts unread chat messages.
	Messages Counter = iota
	// PendingRequests counts incoming requests awaiting a decision.
	PendingRequests
	// RequestUpdates counts status changes on the user's own requests not
	// yet viewed.
	RequestUpdates

	numCounters
)

// String returns the string representation of Counter.
func (c Counter) String() string {
	switch c {
	case Messages:
		return "messages"
	case PendingRequests:
		return "pending_requests"
	case RequestUpdates:
		return "request_updates"
	default:
		return "unknown"
	}
}

// Counters lists every counter.
func Counters() []Counter {
	return []Counter{Messages, PendingRequests, RequestUpdates}
}

// Source fetches authoritative counter values.
type Source interface {
	UnreadMessageCount(ctx context.Context) (int, error)
	PendingRequestCount(ctx context.Context) (int, error)
	UnviewedRequestCount(ctx context.Context) (int, error)
}

func fetch(ctx context.Context, src Source, c Counter) (int, error) {
	switch c {
	case Messages:
		return src.UnreadMessageCount(ctx)
	case PendingRequests:
		return src.PendingRequestCount(ctx)
	case RequestUpdates:
		return src.UnviewedRequestCount(ctx)
	default:
		return 0, fmt.Errorf("unknown counter %d", c)
	}
}

// Options configures an Aggregator.
type Options struct {
	LocalUserID string
	Source      Source

	// SuppressActive skips the streamed increment for messages in the
	// conversation returned by Active.
	SuppressActive bool
	Active         func() string

	// OnChange is called with the new value after a counter changes,
	// outside the aggregator lock.
	OnChange func(Counter, int)

	Logger *logger.Logger
}

// Counts is a point-in-time copy of all counters.
type Counts struct {
	Messages        int
	PendingRequests int
	RequestUpdates  int
}

type change struct {
	counter Counter
	value   int
}

// Aggregator holds the three unread counters. Streamed events apply +1
// immediately; snapshots replace the value.
type Aggregator struct {
	opts   Options
	logger *logger.Logger

	mu     sync.Mutex
	counts [numCounters]int
	// pending holds message ids counted optimistically, per conversation.
	pending map[string]map[string]struct{}
	// acked holds message ids acknowledged before their increment arrived.
	acked map[string]map[string]struct{}
}

// New creates an Aggregator with all counters at zero.
func New(opts Options) *Aggregator {
	return &Aggregator{
		opts:    opts,
		logger:  logger.OrGlobal(opts.Logger).Named("unread"),
		pending: make(map[string]map[string]struct{}),
		acked:   make(map[string]map[string]struct{}),
	}
}

// SetLocalUser sets the id of the signed-in user once it is known.
func (a *Aggregator) SetLocalUser(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.LocalUserID = userID
}

// HandleEnvelope applies the streamed increment for env. It is meant to be
// registered as a router subscriber.
func (a *Aggregator) HandleEnvelope(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeChat:
		if err := env.Validate(); err != nil {
			return err
		}
		if env.Message == nil {
			return fmt.Errorf("chat envelope for %s carries no message", env.ConversationID)
		}
		a.incrementMessage(env.ConversationID, *env.Message)
	case protocol.TypeRequestCreated:
		a.Increment(PendingRequests)
	case protocol.TypeRequestUpdated:
		a.Increment(RequestUpdates)
	}
	return nil
}

func (a *Aggregator) incrementMessage(conversationID string, msg protocol.Message) {
	if a.opts.SuppressActive && a.opts.Active != nil && a.opts.Active() == conversationID {
		return
	}

	a.mu.Lock()
	if msg.SenderID != "" && msg.SenderID == a.opts.LocalUserID {
		a.mu.Unlock()
		return
	}
	if ids, ok := a.acked[conversationID]; ok {
		if _, ok := ids[msg.ID]; ok {
			delete(ids, msg.ID)
			if len(ids) == 0 {
				delete(a.acked, conversationID)
			}
			a.mu.Unlock()
			return
		}
	}
	if msg.ID != "" {
		ids, ok := a.pending[conversationID]
		if !ok {
			ids = make(map[string]struct{})
			a.pending[conversationID] = ids
		}
		if _, dup := ids[msg.ID]; dup {
			a.mu.Unlock()
			return
		}
		ids[msg.ID] = struct{}{}
	}
	ch := a.addLocked(Messages, 1)
	a.mu.Unlock()

	a.publish(ch)
}

// Increment applies a streamed +1 to c.
func (a *Aggregator) Increment(c Counter) {
	a.mu.Lock()
	ch := a.addLocked(c, 1)
	a.mu.Unlock()

	a.publish(ch)
}

// Acknowledge withdraws optimistic message increments for a conversation
// that was read in place. Without message ids, every pending increment of
// the conversation is withdrawn.
func (a *Aggregator) Acknowledge(conversationID string, messageIDs ...string) {
	a.mu.Lock()
	withdrawn := 0
	ids := a.pending[conversationID]
	if len(messageIDs) == 0 {
		withdrawn = len(ids)
		delete(a.pending, conversationID)
	} else {
		for _, id := range messageIDs {
			if _, ok := ids[id]; ok {
				delete(ids, id)
				withdrawn++
				continue
			}
			early, ok := a.acked[conversationID]
			if !ok {
				early = make(map[string]struct{})
				a.acked[conversationID] = early
			}
			early[id] = struct{}{}
		}
		if ids != nil && len(ids) == 0 {
			delete(a.pending, conversationID)
		}
	}
	if withdrawn == 0 {
		a.mu.Unlock()
		return
	}
	ch := a.addLocked(Messages, -withdrawn)
	a.mu.Unlock()

	a.publish(ch)
}

// Replace sets c to the authoritative value n, discarding any drift from
// streamed increments.
func (a *Aggregator) Replace(c Counter, n int) {
	if c < 0 || c >= numCounters {
		return
	}
	if n < 0 {
		n = 0
	}

	a.mu.Lock()
	if c == Messages {
		a.pending = make(map[string]map[string]struct{})
		a.acked = make(map[string]map[string]struct{})
	}
	a.counts[c] = n
	a.mu.Unlock()

	a.publish(change{c, n})
}

// addLocked applies delta to c, clamped at zero.
func (a *Aggregator) addLocked(c Counter, delta int) change {
	n := a.counts[c] + delta
	if n < 0 {
		n = 0
	}
	a.counts[c] = n
	return change{c, n}
}

func (a *Aggregator) publish(ch change) {
	metrics.UnreadCounters.WithLabelValues(ch.counter.String()).Set(float64(ch.value))
	if a.opts.OnChange != nil {
		a.opts.OnChange(ch.counter, ch.value)
	}
}

// ReconcileCounter fetches and applies the snapshot for one counter. On
// failure the counter keeps its current value.
func (a *Aggregator) ReconcileCounter(ctx context.Context, c Counter) error {
	if a.opts.Source == nil {
		return nil
	}
	n, err := fetch(ctx, a.opts.Source, c)
	if err != nil {
		return fmt.Errorf("failed to fetch %s count: %w", c, err)
	}
	a.Replace(c, n)
	return nil
}

// Reconcile fetches all counters concurrently and applies each snapshot
// that succeeded. It returns the first failure.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range Counters() {
		g.Go(func() error {
			return a.ReconcileCounter(ctx, c)
		})
	}
	return g.Wait()
}

// Run reconciles every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

// Count returns the current value of c.
func (a *Aggregator) Count(c Counter) int {
	if c < 0 || c >= numCounters {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[c]
}

// Snapshot returns all counters.
func (a *Aggregator) Snapshot() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Counts{
		Messages:        a.counts[Messages],
		PendingRequests: a.counts[PendingRequests],
		RequestUpdates:  a.counts[RequestUpdates],
	}
}

// Surface is a place in the UI that shows a badge.
type Surface string

const (
	SurfaceMessages   Surface = "messages"
	SurfaceProfile    Surface = "profile"
	SurfaceMyRequests Surface = "my-requests"
	SurfaceMyPosts    Surface = "my-posts"
)

// Badge returns the badge text for surface, or "" when there is nothing to
// show.
func (a *Aggregator) Badge(s Surface) string {
	switch s {
	case SurfaceMessages:
		return Badge(a.Count(Messages), 99)
	case SurfaceProfile:
		return Badge(a.Count(Messages), 9)
	case SurfaceMyRequests:
		return Badge(a.Count(RequestUpdates), 9)
	case SurfaceMyPosts:
		return Badge(a.Count(PendingRequests), 9)
	default:
		return ""
	}
}

// Badge formats n for display, showing "cap+" above cap.
func Badge(n, cap int) string {
	if n <= 0 {
		return ""
	}
	if n > cap {
		return strconv.Itoa(cap) + "+"
	}
	return strconv.Itoa(n)
}
