// Package metrics provides Prometheus metrics for the rmux client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rmux"

// Metrics contains all Prometheus metrics for a client process. A
// process may run several sessions; these counters/gauges aggregate
// across all of them.
type Metrics struct {
	SessionsActive        prometheus.Gauge
	SessionsTotal          prometheus.Counter
	HandshakeFailuresTotal *prometheus.CounterVec
	SessionExpiredTotal    prometheus.Counter

	StreamsActive prometheus.Gauge
	StreamsOpened prometheus.Counter
	StreamsClosed prometheus.Counter

	StreamBytesSent     *prometheus.CounterVec
	StreamBytesReceived *prometheus.CounterVec

	DecryptFailuresTotal    prometheus.Counter
	ProtocolViolationsTotal *prometheus.CounterVec

	KeepalivesSent prometheus.Counter
	KeepalivesRecv prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests don't collide on the package-level default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		HandshakeFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total handshake failures by reason",
		}, []string{"reason"}),
		SessionExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_expired_total",
			Help:      "Total sessions that ended because their max-alive deadline passed",
		}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streams across all sessions",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),

		StreamBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_sent_total",
			Help:      "Total DATA payload bytes sent",
		}, []string{"session"}),
		StreamBytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_received_total",
			Help:      "Total DATA payload bytes received",
		}, []string{"session"}),

		DecryptFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total events that failed AEAD decryption",
		}),
		ProtocolViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total fatal protocol violations by flag",
		}, []string{"flag"}),

		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total PING events sent by the housekeeper",
		}),
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total PING events received",
		}),
	}
}

// RecordSessionEstablished records a successful handshake.
func (m *Metrics) RecordSessionEstablished() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClosed records a session tearing down, for any reason
// other than expiry (see RecordSessionExpired).
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordSessionExpired records a session closing because its
// max-alive deadline passed.
func (m *Metrics) RecordSessionExpired() {
	m.SessionsActive.Dec()
	m.SessionExpiredTotal.Inc()
}

// RecordHandshakeFailure records a failed handshake by reason
// (the session passes "rejected" or "io").
func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen() {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordBytesSent records DATA payload bytes sent on a session.
func (m *Metrics) RecordBytesSent(session string, n int) {
	m.StreamBytesSent.WithLabelValues(session).Add(float64(n))
}

// RecordBytesReceived records DATA payload bytes received on a session.
func (m *Metrics) RecordBytesReceived(session string, n int) {
	m.StreamBytesReceived.WithLabelValues(session).Add(float64(n))
}

// RecordDecryptFailure records an event that failed AEAD decryption.
func (m *Metrics) RecordDecryptFailure() {
	m.DecryptFailuresTotal.Inc()
}

// RecordProtocolViolation records a fatal protocol violation.
func (m *Metrics) RecordProtocolViolation(flag string) {
	m.ProtocolViolationsTotal.WithLabelValues(flag).Inc()
}

// RecordKeepaliveSent records a PING sent by the housekeeper.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRecv records a PING received.
func (m *Metrics) RecordKeepaliveRecv() {
	m.KeepalivesRecv.Inc()
}
