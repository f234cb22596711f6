// Package typing rate-limits outbound typing notifications.
package typing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/internal/realtime"
	"github.com/omochice/foodshare-chat/internal/timerset"
	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/metrics"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

// DefaultWindow is the quiet period after the last keystroke.
const DefaultWindow = 500 * time.Millisecond

// Debouncer emits at most one typing envelope per conversation per quiet
// window, on the trailing edge.
type Debouncer struct {
	sender realtime.Sender
	window time.Duration
	timers *timerset.Set
	logger *logger.Logger
}

// New creates a Debouncer. A non-positive window means DefaultWindow.
func New(sender realtime.Sender, window time.Duration, log *logger.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		sender: sender,
		window: window,
		timers: timerset.New(),
		logger: logger.OrGlobal(log).Named("typing"),
	}
}

// NotifyTyping records local input in conversationID. The typing envelope
// goes out once no further call arrives within the window.
func (d *Debouncer) NotifyTyping(conversationID string) {
	d.timers.Reset(conversationID, d.window, func() {
		d.logger.Debug("sending typing signal", zap.String("conversation_id", conversationID))
		d.sender.Send(context.Background(), protocol.NewTyping(conversationID))
		metrics.TypingSignalsSent.Inc()
	})
}

// Cancel drops a pending signal for conversationID, e.g. when the message
// was sent or the view closed.
func (d *Debouncer) Cancel(conversationID string) {
	d.timers.Stop(conversationID)
}

// Pending reports whether a signal is waiting for conversationID.
func (d *Debouncer) Pending(conversationID string) bool {
	return d.timers.Pending(conversationID)
}

// Close cancels all pending signals.
func (d *Debouncer) Close() {
	d.timers.Close()
}
