package realtime

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/metrics"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// Handler consumes one envelope. A returned error is logged and does not
// affect other subscribers.
type Handler func(env protocol.Envelope) error

// Router fans inbound envelopes out to subscribers.
//
// Each subscriber owns a FIFO mailbox drained by its own goroutine, so every
// subscriber observes envelopes in dispatch order and a slow or failing
// subscriber never delays the others.
type Router struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *logger.Logger
}

// NewRouter creates a Router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.OrGlobal(log).Named("router"),
	}
}

// Subscription is a registered handler.
type Subscription struct {
	name    string
	handler Handler
	router  *Router
	logger  *logger.Logger

	mu       sync.Mutex
	queue    []protocol.Envelope
	stopping bool
	wake     chan struct{}
	done     chan struct{}
}

// Subscribe registers h under name. The subscription receives envelopes
// dispatched after this call returns.
func (r *Router) Subscribe(name string, h Handler) *Subscription {
	sub := &Subscription{
		name:    name,
		handler: h,
		router:  r,
		logger:  r.logger.With(zap.String("subscriber", name)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.stopping = true
		close(sub.done)
		return sub
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.run()
	return sub
}

// Unsubscribe removes sub. Envelopes already queued for it are still
// delivered; later ones are not.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	_, ok := r.subs[sub]
	delete(r.subs, sub)
	r.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// Dispatch queues env for every current subscriber.
func (r *Router) Dispatch(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	for sub := range r.subs {
		sub.enqueue(env)
	}
}

// Len returns the number of subscribers.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops all subscribers after their mailboxes drain and waits for them.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[*Subscription]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Unsubscribe removes the subscription from its router.
func (s *Subscription) Unsubscribe() {
	s.router.Unsubscribe(s)
}

// Done is closed once the subscription has stopped and drained its mailbox.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(env protocol.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	backlog := len(s.queue)
	s.mu.Unlock()

	metrics.SubscriberBacklog.WithLabelValues(s.name).Set(float64(backlog))
	s.signal()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.stopping {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		env := s.queue[0]
		s.queue[0] = protocol.Envelope{}
		s.queue = s.queue[1:]
		backlog := len(s.queue)
		s.mu.Unlock()

		metrics.SubscriberBacklog.WithLabelValues(s.name).Set(float64(backlog))
		s.deliver(env)
	}
}

func (s *Subscription) deliver(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberFailures.WithLabelValues(s.name, "panic").Inc()
			s.logger.Error("subscriber panicked",
				zap.String("type", string(env.Type)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := s.handler(env); err != nil {
		metrics.SubscriberFailures.WithLabelValues(s.name, "error").Inc()
		s.logger.Warn("subscriber failed",
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
	}
}
