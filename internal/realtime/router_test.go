package realtime_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omochice/foodshare-chat/internal/realtime"
	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// recorder collects envelopes delivered to a handler.
type recorder struct {
	mu   sync.Mutex
	got  []protocol.Envelope
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 1000)}
}

func (r *recorder) handle(env protocol.Envelope) error {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) envelopes() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.got...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for envelope %d of %d", i+1, n)
		}
	}
}

func chatFor(conversationID string, i int) protocol.Envelope {
	return protocol.Envelope{
		Type:           protocol.TypeChat,
		ConversationID: conversationID,
		Message:        &protocol.Message{ID: fmt.Sprintf("m%d", i), ConversationID: conversationID},
	}
}

func TestRouter_DeliversInOrderToEverySubscriber(t *testing.T) {
	router := realtime.NewRouter(logger.Nop())
	defer router.Close()

	a, b := newRecorder(), newRecorder()
	router.Subscribe("a", a.handle)
	router.Subscribe("b", b.handle)

	const n = 100
	for i := 0; i < n; i++ {
		router.Dispatch(chatFor("c1", i))
	}

	a.wait(t, n)
	b.wait(t, n)

	for _, rec := range []*recorder{a, b} {
		got := rec.envelopes()
		for i, env := range got {
			if want := fmt.Sprintf("m%d", i); env.Message.ID != want {
				t.Fatalf("envelope %d = %s, want %s", i, env.Message.ID, want)
			}
		}
	}
}

func TestRouter_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	router := realtime.NewRouter(logger.Nop())
	defer router.Close()

	release := make(chan struct{})
	router.Subscribe("slow", func(protocol.Envelope) error {
		<-release
		return nil
	})
	fast := newRecorder()
	router.Subscribe("fast", fast.handle)

	for i := 0; i < 3; i++ {
		router.Dispatch(chatFor("c1", i))
	}

	fast.wait(t, 3)
	close(release)
}

func TestRouter_IsolatesFailingSubscriber(t *testing.T) {
	router := realtime.NewRouter(logger.Nop())
	defer router.Close()

	var mu sync.Mutex
	calls := 0
	router.Subscribe("panics", func(protocol.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})
	router.Subscribe("errors", func(protocol.Envelope) error {
		return errors.New("handler failed")
	})
	healthy := newRecorder()
	router.Subscribe("healthy", healthy.handle)

	router.Dispatch(chatFor("c1", 0))
	router.Dispatch(chatFor("c1", 1))

	healthy.wait(t, 2)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		c := calls
		mu.Unlock()
		if c == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("panicking subscriber calls = %d, want 2", c)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouter_SubscribeTakesEffectFromNextEnvelope(t *testing.T) {
	router := realtime.NewRouter(logger.Nop())
	defer router.Close()

	early := newRecorder()
	router.Subscribe("early", early.handle)
	router.Dispatch(chatFor("c1", 0))

	late := newRecorder()
	router.Subscribe("late", late.handle)
	router.Dispatch(chatFor("c1", 1))

	early.wait(t, 2)
	late.wait(t, 1)

	got := late.envelopes()
	if len(got) != 1 || got[0].Message.ID != "m1" {
		t.Errorf("late subscriber got %d envelopes, want only m1", len(got))
	}
}

func TestRouter_UnsubscribeDrainsQueuedEnvelopes(t *testing.T) {
	router := realtime.NewRouter(logger.Nop())
	defer router.Close()

	release := make(chan struct{})
	rec := newRecorder()
	sub := router.Subscribe("view", func(env protocol.Envelope) error {
		<-release
		return rec.handle(env)
	})

	for i := 0; i < 3; i++ {
		router.Dispatch(chatFor("c1", i))
	}
	sub.Unsubscribe()
	router.Dispatch(chatFor("c1", 3))
	close(release)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}

	if got := len(rec.envelopes()); got != 3 {
		t.Errorf("delivered %d envelopes, want 3 already queued", got)
	}
	if got := router.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestRouter_CloseStopsSubscribers(t *testing.T) {
	router := realtime.NewRouter(logger.Nop())

	rec := newRecorder()
	sub := router.Subscribe("a", rec.handle)
	router.Dispatch(chatFor("c1", 0))
	router.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscription done after Close")
	}
	if got := len(rec.envelopes()); got != 1 {
		t.Errorf("delivered %d envelopes, want 1", got)
	}

	router.Dispatch(chatFor("c1", 1))
	late := router.Subscribe("late", rec.handle)
	select {
	case <-late.Done():
	default:
		t.Error("expected subscription on closed router to be done")
	}
}
