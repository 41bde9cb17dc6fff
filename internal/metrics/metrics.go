// Package metrics provides Prometheus metrics for the tunnel client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tunnelclient"
)

// Metrics contains all Prometheus metrics for the tunnel client.
type Metrics struct {
	// Channel metrics
	ChannelsActive prometheus.Gauge
	ChannelsOpened prometheus.Counter
	ChannelsClosed prometheus.Counter
	ChannelErrors  *prometheus.CounterVec

	// Data transfer metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	// Connection metrics
	Reconnects       prometheus.Counter
	RecoveryAttempts prometheus.Counter
	ConnectionUp     prometheus.Gauge

	// Protocol metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of currently open tunnel channels",
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total number of tunnel channels opened",
		}),
		ChannelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_closed_total",
			Help:      "Total number of tunnel channels closed",
		}),
		ChannelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Total channel errors by type",
		}, []string{"error_type"}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent over the tunnel",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received over the tunnel",
		}),

		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of tunnel reconnect attempts",
		}),
		RecoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Total number of recovery-handshake attempts",
		}),
		ConnectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "Whether the tunnel connection is currently established (1) or not (0)",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of tunnel handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
	}
}

// RecordChannelOpen records a channel being opened.
func (m *Metrics) RecordChannelOpen() {
	m.ChannelsActive.Inc()
	m.ChannelsOpened.Inc()
}

// RecordChannelClose records a channel being closed.
func (m *Metrics) RecordChannelClose() {
	m.ChannelsActive.Dec()
	m.ChannelsClosed.Inc()
}

// RecordChannelError records a channel error.
func (m *Metrics) RecordChannelError(errorType string) {
	m.ChannelErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent over the tunnel.
func (m *Metrics) RecordBytesSent(n int) {
	m.BytesSent.Add(float64(n))
}

// RecordBytesReceived records bytes received over the tunnel.
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordRecoveryAttempt records a recovery-handshake attempt.
func (m *Metrics) RecordRecoveryAttempt() {
	m.RecoveryAttempts.Inc()
}

// SetConnectionUp records whether the tunnel connection is currently up.
func (m *Metrics) SetConnectionUp(up bool) {
	if up {
		m.ConnectionUp.Set(1)
	} else {
		m.ConnectionUp.Set(0)
	}
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}
