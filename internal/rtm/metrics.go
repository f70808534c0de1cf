package rtm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by every Client in a process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events            *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	sent              prometheus.Counter
}

// NewMetrics registers the rtm collectors on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackrelay_rtm_events_total",
			Help: "RTM events reconciled, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackrelay_rtm_events_dropped_total",
			Help: "RTM events discarded for missing fields or unknown entities.",
		}, []string{"type"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackrelay_rtm_decode_failures_total",
			Help: "Socket frames that were not JSON objects.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackrelay_rtm_reconnects_total",
			Help: "Automatic reconnects after an unexpected disconnect.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackrelay_rtm_heartbeat_timeouts_total",
			Help: "Sessions torn down because pongs stopped arriving.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackrelay_rtm_sent_messages_total",
			Help: "Messages written to the socket.",
		}),
	}
	reg.MustRegister(m.events, m.dropped, m.decodeFailures, m.reconnects, m.heartbeatTimeouts, m.sent)
	return m
}

func (m *Metrics) event(t EventType) {
	if m != nil {
		m.events.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) drop(t EventType) {
	if m != nil {
		m.dropped.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) decodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) heartbeatTimeout() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.sent.Inc()
	}
}
