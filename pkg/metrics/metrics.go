// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState reports the session connection state
	// (0 disconnected, 1 connecting, 2 connected).
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connection_state",
			Help: "Current connection state per session",
		},
		[]string{"session"},
	)

	// ReconnectAttempts tracks reconnect attempts after unexpected closure.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnect_attempts_total",
			Help: "Total reconnect attempts",
		},
	)

	// EnvelopesReceived tracks inbound envelopes by type.
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_envelopes_received_total",
			Help: "Total inbound envelopes",
		},
		[]string{"type"},
	)

	// EnvelopesDropped tracks inbound frames dropped before routing.
	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_envelopes_dropped_total",
			Help: "Total inbound frames dropped",
		},
		[]string{"reason"},
	)

	// EnvelopesSent tracks outbound envelopes by type and result.
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_envelopes_sent_total",
			Help: "Total outbound envelopes",
		},
		[]string{"type", "result"},
	)

	// SubscriberFailures tracks handler errors and panics in router subscribers.
	SubscriberFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_subscriber_failures_total",
			Help: "Total subscriber delivery failures",
		},
		[]string{"subscriber", "kind"},
	)

	// SubscriberBacklog tracks queued envelopes per subscriber.
	SubscriberBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_subscriber_backlog",
			Help: "Envelopes waiting in a subscriber mailbox",
		},
		[]string{"subscriber"},
	)

	// TypingSignalsSent tracks debounced typing signals sent.
	TypingSignalsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "typing_signals_sent_total",
			Help: "Total outbound typing signals after debounce",
		},
	)

	// UnreadCounters reports the aggregated unread counters.
	UnreadCounters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unread_counter",
			Help: "Current unread counter value",
		},
		[]string{"counter"},
	)

	// RESTRequestDuration tracks REST collaborator request duration.
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rest_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	// DevServerConnections tracks active dev server WebSocket connections.
	DevServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devserver_ws_connections_active",
			Help: "Number of active dev server WebSocket connections",
		},
	)
)

// RecordREST records metrics for a REST request.
func RecordREST(endpoint, status string, duration float64) {
	RESTRequestDuration.WithLabelValues(endpoint, status).Observe(duration)
}

// RecordSend records an outbound envelope.
func RecordSend(envelopeType string, ok bool) {
	result := "ok"
	if !ok {
		result = "dropped"
	}
	EnvelopesSent.WithLabelValues(envelopeType, result).Inc()
}
