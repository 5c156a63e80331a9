// Package metrics provides Prometheus metrics for the tunnel server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "simpletunnel"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Tunnel metrics
	TunnelsActive    prometheus.Gauge
	TunnelsTotal     *prometheus.CounterVec
	TunnelCloses     *prometheus.CounterVec
	HandshakeErrors  *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram

	// Flow metrics
	FlowsActive prometheus.Gauge
	FlowsOpened prometheus.Counter
	FlowsClosed *prometheus.CounterVec
	FlowErrors  *prometheus.CounterVec

	// Datagram metrics
	DatagramsOut prometheus.Counter
	DatagramsIn  prometheus.Counter
	BytesOut     prometheus.Counter
	BytesIn      prometheus.Counter
	DroppedOut   *prometheus.CounterVec
	DroppedIn    *prometheus.CounterVec

	// Keepalive metrics
	KeepalivesRecv prometheus.Counter
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

	m := &Metrics{
		// Tunnel metrics
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of currently connected tunnels",
		}),
		TunnelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Total tunnels accepted by transport type",
		}, []string{"transport"}),
		TunnelCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_closes_total",
			Help:      "Total tunnel closures by reason",
		}, []string{"reason"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed tunnel handshakes by error type",
		}, []string{"error"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Tunnel handshake latency",
			Buckets:   prometheus.DefBuckets,
		}),

		// Flow metrics
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of currently open UDP flows",
		}),
		FlowsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_opened_total",
			Help:      "Total number of UDP flows opened",
		}),
		FlowsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_closed_total",
			Help:      "Total UDP flows closed by reason",
		}, []string{"reason"}),
		FlowErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_errors_total",
			Help:      "Total UDP flow errors by type",
		}, []string{"error"}),

		// Datagram metrics
		DatagramsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent to remote endpoints",
		}),
		DatagramsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received from remote endpoints",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent to remote endpoints",
		}),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received from remote endpoints",
		}),
		DroppedOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total outbound datagrams dropped by reason",
		}, []string{"reason"}),
		DroppedIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_inbound_total",
			Help:      "Total inbound datagrams dropped before delivery to the client by reason",
		}, []string{"reason"}),

		// Keepalive metrics
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total keepalive frames received",
		}),
	}

	return m
}

// RecordTunnelOpen records a new tunnel connection.
func (m *Metrics) RecordTunnelOpen(transport string) {
	m.TunnelsActive.Inc()
	m.TunnelsTotal.WithLabelValues(transport).Inc()
}

// RecordTunnelClose records a tunnel closure.
func (m *Metrics) RecordTunnelClose(reason string) {
	m.TunnelsActive.Dec()
	m.TunnelCloses.WithLabelValues(reason).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed handshake.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordFlowOpen records a new UDP flow.
func (m *Metrics) RecordFlowOpen() {
	m.FlowsActive.Inc()
	m.FlowsOpened.Inc()
}

// RecordFlowClose records a closed UDP flow.
func (m *Metrics) RecordFlowClose(reason string) {
	m.FlowsActive.Dec()
	m.FlowsClosed.WithLabelValues(reason).Inc()
}

// RecordFlowError records a UDP flow error.
func (m *Metrics) RecordFlowError(errorType string) {
	m.FlowErrors.WithLabelValues(errorType).Inc()
}

// RecordDatagramOut records a datagram sent to a remote endpoint.
func (m *Metrics) RecordDatagramOut(bytes int) {
	m.DatagramsOut.Inc()
	m.BytesOut.Add(float64(bytes))
}

// RecordDatagramIn records a datagram received from a remote endpoint.
func (m *Metrics) RecordDatagramIn(bytes int) {
	m.DatagramsIn.Inc()
	m.BytesIn.Add(float64(bytes))
}

// RecordDroppedOut records an outbound datagram dropped before sending.
func (m *Metrics) RecordDroppedOut(reason string) {
	m.DroppedOut.WithLabelValues(reason).Inc()
}

// RecordDroppedIn records an inbound datagram dropped before delivery to the client.
func (m *Metrics) RecordDroppedIn(reason string) {
	m.DroppedIn.WithLabelValues(reason).Inc()
}

// RecordKeepalive records a received keepalive frame.
func (m *Metrics) RecordKeepalive() {
	m.KeepalivesRecv.Inc()
}
