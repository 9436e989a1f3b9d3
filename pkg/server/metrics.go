package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	messagesReceived     *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	handshakeOutcomes    *prometheus.CounterVec
	rateLimitKills       prometheus.Counter
	batchRecipients      prometheus.Histogram
}

// NewMetrics creates and registers all server metrics
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lodestone_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lodestone_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsDisconnected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lodestone_sessions_disconnected_total",
			Help: "Total number of sessions disconnected",
		}),
		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lodestone_messages_received_total",
			Help: "Total messages received by type",
		}, []string{"type"}),
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lodestone_messages_sent_total",
			Help: "Total messages sent by type",
		}, []string{"type"}),
		handshakeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lodestone_handshake_outcomes_total",
			Help: "Handshake completions by outcome",
		}, []string{"outcome"}),
		rateLimitKills: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lodestone_rate_limit_disconnects_total",
			Help: "Connections terminated for exceeding the ingress rate limit",
		}),
		batchRecipients: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lodestone_batch_recipients",
			Help:    "Recipients per delivered fan-out batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordHandshakeOutcome(outcome string) {
	m.handshakeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRateLimitDisconnect() {
	m.rateLimitKills.Inc()
}

func (m *Metrics) RecordBatchRecipients(n int) {
	m.batchRecipients.Observe(float64(n))
}

// messageTypeToString maps a frame type byte to a stable label
func messageTypeToString(t uint8) string {
	names := map[uint8]string{
		0x01: "IDENTIFY", 0x02: "SEND_PREKEYS", 0x03: "START_SESSION",
		0x04: "CHECK_TRUST", 0x05: "KEEPALIVE", 0x06: "RESEND_PREKEYS",
		0x07: "DISCONNECT",
		0x10: "CREATE_GROUP", 0x11: "INVITE", 0x12: "ACCEPT_MEMBERSHIP",
		0x13: "ACKNOWLEDGE_JOIN", 0x14: "LEAVE_GROUP", 0x15: "EJECT_MEMBER",
		0x16: "DELETE_GROUP", 0x17: "TRANSFER_OWNERSHIP",
		0x20: "GROUP_ENVELOPE", 0x21: "DIRECT_ENVELOPE",
		0x30: "LOCATION_UPDATE",
		0x40: "FRIEND_REQUEST", 0x41: "FRIEND_RESPONSE", 0x42: "FRIEND_REMOVE",
		0x43: "LIST_FRIENDS",
		0x50: "TEXTURE_UPLOAD", 0x51: "TEXTURE_REQUEST",
		0x60: "DHT_PUT", 0x61: "DHT_GET",
		0x81: "IDENTIFY_ACK", 0x82: "REGISTRATION_CHALLENGE",
		0x83: "DEVICE_REGISTERED", 0x84: "PREKEYS_RESPONSE",
		0x85: "SESSION_START_RESPONSE", 0x86: "TRUST_RESULT",
		0x87: "KEEPALIVE_ACK", 0x88: "ERROR",
		0x90: "GROUP_CREATED", 0x91: "GROUP_INVITE", 0x92: "MEMBER_STATE_CHANGED",
		0x93: "JOIN_ACKNOWLEDGED", 0x94: "MEMBER_LEFT", 0x95: "OWNERSHIP_TRANSFERRED",
		0x96: "GROUP_REJOINED", 0x97: "MEMBER_PRESENCE",
		0xA0: "GROUP_MESSAGE", 0xA1: "DIRECT_MESSAGE",
		0xB0: "LOCATION_BROADCAST",
		0xC0: "FRIEND_UPDATE", 0xC1: "FRIEND_LIST",
		0xD0: "TEXTURE_STORED", 0xD1: "TEXTURE_DATA",
		0xE0: "DHT_STORED", 0xE1: "DHT_VALUE",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return "UNKNOWN"
}
