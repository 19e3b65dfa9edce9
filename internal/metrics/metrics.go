// Package metrics provides Prometheus metrics for tun2socks.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tun2socks"

// Metrics contains every Prometheus metric the multiplexer, PCB table,
// stream relay and DNS relay report against (the multiplexer records the
// SOCKS5 connect metrics).
type Metrics struct {
	// Ingress pipeline.
	PacketsAccepted *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec

	// Flow lifecycle.
	FlowsOpened         *prometheus.CounterVec
	FlowsClosed         *prometheus.CounterVec
	FlowsActive         prometheus.Gauge
	PCBStateTransitions *prometheus.CounterVec

	// SOCKS5 client.
	SOCKS5ConnectLatency prometheus.Histogram
	SOCKS5ConnectFailures *prometheus.CounterVec

	// DNS relay.
	DNSQueryLatency  prometheus.Histogram
	DNSQueryFailures prometheus.Counter
	DNSQueryTimeouts prometheus.Counter

	// Egress queue.
	EgressQueueDepth prometheus.Gauge
	EgressDropped    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against
// reg, so a test or a CLI invocation with --metrics-addr can use its own
// registry instead of the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_accepted_total",
			Help:      "Total inbound tun packets accepted by protocol",
		}, []string{"proto"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total inbound tun packets dropped by reason",
		}, []string{"reason"}),

		FlowsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_opened_total",
			Help:      "Total flows opened by protocol",
		}, []string{"proto"}),
		FlowsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_closed_total",
			Help:      "Total flows closed by outcome",
		}, []string{"outcome"}),
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of flows currently tracked in the flow table",
		}),
		PCBStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pcb_state_transitions_total",
			Help:      "Total TCP PCB state transitions by destination state",
		}, []string{"state"}),

		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 CONNECT handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SOCKS5ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connect_failures_total",
			Help:      "Total SOCKS5 CONNECT failures by reason",
		}, []string{"reason"}),

		DNSQueryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_query_latency_seconds",
			Help:      "Histogram of DNS relay round-trip latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		DNSQueryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_query_failures_total",
			Help:      "Total DNS relay queries that failed (transport error or bad source)",
		}),
		DNSQueryTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_query_timeouts_total",
			Help:      "Total DNS relay queries that exceeded the resolver timeout",
		}),

		EgressQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "egress_queue_depth",
			Help:      "Current depth of the tun egress queue",
		}),
		EgressDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_dropped_total",
			Help:      "Total egress packets dropped because the egress queue was full",
		}),
	}
}

// RecordPacketAccepted records an accepted inbound packet classified as proto.
func (m *Metrics) RecordPacketAccepted(proto string) {
	m.PacketsAccepted.WithLabelValues(proto).Inc()
}

// RecordPacketDropped records a dropped inbound packet with the given reason.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordFlowOpened records a newly created flow-table entry.
func (m *Metrics) RecordFlowOpened(proto string) {
	m.FlowsOpened.WithLabelValues(proto).Inc()
	m.FlowsActive.Inc()
}

// RecordFlowClosed records a flow-table entry removal with the given outcome.
func (m *Metrics) RecordFlowClosed(outcome string) {
	m.FlowsClosed.WithLabelValues(outcome).Inc()
	m.FlowsActive.Dec()
}

// RecordPCBTransition records a PCB entering the given state.
func (m *Metrics) RecordPCBTransition(state string) {
	m.PCBStateTransitions.WithLabelValues(state).Inc()
}

// RecordSOCKS5ConnectLatency records a completed (successful) CONNECT latency.
func (m *Metrics) RecordSOCKS5ConnectLatency(seconds float64) {
	m.SOCKS5ConnectLatency.Observe(seconds)
}

// RecordSOCKS5ConnectFailure records a failed CONNECT with the given reason.
func (m *Metrics) RecordSOCKS5ConnectFailure(reason string) {
	m.SOCKS5ConnectFailures.WithLabelValues(reason).Inc()
}

// RecordEgressQueueDepth sets the current egress queue depth gauge.
func (m *Metrics) RecordEgressQueueDepth(depth int) {
	m.EgressQueueDepth.Set(float64(depth))
}

// RecordEgressDropped records an egress packet dropped because the
// egress queue was full.
func (m *Metrics) RecordEgressDropped() {
	m.EgressDropped.Inc()
}
