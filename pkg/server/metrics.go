package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// own registry so several servers can run in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	authFailures    *prometheus.CounterVec
	messages        *prometheus.CounterVec
	messagesSent    prometheus.Counter
	decodeFailures  prometheus.Counter
	rateLimited     prometheus.Counter
	relayBytes      prometheus.Counter
	relayTransfers  *prometheus.CounterVec
	relaysInFlight  prometheus.Gauge
	relayDurationMs prometheus.Histogram
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netchat_active_sessions",
			Help: "Number of registered sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchat_sessions_total",
			Help: "Sessions that completed authentication",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchat_auth_failures_total",
			Help: "Rejected handles by reason",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchat_messages_received_total",
			Help: "Dispatched client messages by command kind",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchat_messages_sent_total",
			Help: "Text messages written to clients",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchat_decode_failures_total",
			Help: "Inbound messages dropped because they could not be decoded",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchat_rate_limited_total",
			Help: "Messages rejected by the per-session rate limit",
		}),
		relayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchat_relay_bytes_total",
			Help: "File bytes forwarded from senders to recipients",
		}),
		relayTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchat_relay_transfers_total",
			Help: "Finished relays by outcome",
		}, []string{"outcome"}),
		relaysInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netchat_relays_in_flight",
			Help: "Relays currently pumping",
		}),
		relayDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netchat_relay_duration_milliseconds",
			Help:    "Wall time of completed relays",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.sessionsTotal,
		m.authFailures,
		m.messages,
		m.messagesSent,
		m.decodeFailures,
		m.rateLimited,
		m.relayBytes,
		m.relayTransfers,
		m.relaysInFlight,
		m.relayDurationMs,
	)
	return m
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionRegistered() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) RecordDecodeFailure() {
	m.decodeFailures.Inc()
}

func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) RecordRelayBytes(n int) {
	m.relayBytes.Add(float64(n))
}

func (m *Metrics) RecordRelayStarted() {
	m.relaysInFlight.Inc()
}

// RecordRelayFinished records the outcome ("complete", "failed", "rejected")
func (m *Metrics) RecordRelayFinished(outcome string, durationMs float64) {
	m.relaysInFlight.Dec()
	m.relayTransfers.WithLabelValues(outcome).Inc()
	if outcome == "complete" {
		m.relayDurationMs.Observe(durationMs)
	}
}
