// Package metrics defines the gateway's Prometheus instrumentation
// (SPEC_FULL.md §1.4).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every named series the gateway exports. The daemon's main
// package holds the struct; no other component is handed any of its series.
type Metrics struct {
	SubmessagesSent     *prometheus.CounterVec
	SubmessagesReceived *prometheus.CounterVec
	ReassemblyDropped   *prometheus.CounterVec
	ReassemblyInflight  prometheus.Gauge
	PendingSends        prometheus.Gauge
	TransportStatus     *prometheus.GaugeVec
	RemotePeers         prometheus.Gauge
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p3gateway",
			Name:      "submessages_sent_total",
			Help:      "Submessages handed to a transport driver's SendUserData, by transport kind.",
		}, []string{"kind"}),
		SubmessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p3gateway",
			Name:      "submessages_received_total",
			Help:      "Submessages delivered by a transport driver's inbound callbacks, by transport kind.",
		}, []string{"kind"}),
		ReassemblyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p3gateway",
			Name:      "reassembly_dropped_total",
			Help:      "Partial messages dropped before completing, by reason (timeout, alloc_failed).",
		}, []string{"reason"}),
		ReassemblyInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p3gateway",
			Name:      "reassembly_inflight",
			Help:      "Messages currently being reassembled.",
		}),
		PendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p3gateway",
			Name:      "pending_sends",
			Help:      "Outstanding asynchronous submessage sends not yet completed.",
		}),
		TransportStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "p3gateway",
			Name:      "transport_status",
			Help:      "Current transport health: 0=good, 1=failed, 2=disabled.",
		}, []string{"kind"}),
		RemotePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p3gateway",
			Name:      "remote_peers",
			Help:      "Remote gateway peers currently known from discovery gossip.",
		}),
	}
	reg.MustRegister(
		m.SubmessagesSent,
		m.SubmessagesReceived,
		m.ReassemblyDropped,
		m.ReassemblyInflight,
		m.PendingSends,
		m.TransportStatus,
		m.RemotePeers,
	)
	return m
}
