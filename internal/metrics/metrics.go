// Package metrics exposes the gateway's telemetry counters (spec §6, §8)
// as prometheus collectors, the way runZeroInc's go-tcpinfo exporters and
// nabbar-golib register their transport-layer gauges and counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge/histogram the reliability engine and
// receive pipeline touch. A zero-value Registry is not usable; use New.
type Registry struct {
	PacketsReceived      prometheus.Counter
	BytesReceived        prometheus.Counter
	PacketsSent          prometheus.Counter
	BytesSent            prometheus.Counter
	Resends              prometheus.Counter
	GivenUpDatagrams     prometheus.Counter
	DeniedConnections    prometheus.Counter
	DuplicateDatagrams   prometheus.Counter
	SplitReassemblyFails prometheus.Counter
	MalformedDatagrams   prometheus.Counter
	ActiveSessions       prometheus.GaugeFunc
	RTT                  prometheus.Histogram
}

// New constructs and registers a Registry against reg. ActiveSessions reads
// sessionCount() lazily at scrape time - per spec §9 this is a telemetry
// gauge, never an authoritative session count.
func New(reg prometheus.Registerer, sessionCount func() int) *Registry {
	m := &Registry{
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "packets_received_total", Help: "UDP datagrams received.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "bytes_received_total", Help: "UDP bytes received.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "packets_sent_total", Help: "UDP datagrams sent.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "bytes_sent_total", Help: "UDP bytes sent.",
		}),
		Resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "resends_total", Help: "Datagrams retransmitted via NAK or RTO.",
		}),
		GivenUpDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "given_up_datagrams_total", Help: "Datagrams dropped after exceeding the retransmission cap.",
		}),
		DeniedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "denied_connections_total", Help: "Connection attempts rejected by the admission controller.",
		}),
		DuplicateDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "duplicate_datagrams_total", Help: "Datagrams dropped as duplicates of an already-seen sequence number.",
		}),
		SplitReassemblyFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "split_reassembly_failures_total", Help: "Split-packet reassembly errors that disconnected a session.",
		}),
		MalformedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raknet", Name: "malformed_datagrams_total", Help: "Datagrams dropped for failing to parse.",
		}),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "raknet", Name: "rtt_milliseconds", Help: "Per-sample RTT observations.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}
	m.ActiveSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "raknet", Name: "active_sessions", Help: "Live session table size (telemetry only, not authoritative).",
	}, func() float64 { return float64(sessionCount()) })

	reg.MustRegister(
		m.PacketsReceived, m.BytesReceived, m.PacketsSent, m.BytesSent,
		m.Resends, m.GivenUpDatagrams, m.DeniedConnections, m.DuplicateDatagrams,
		m.SplitReassemblyFails, m.MalformedDatagrams, m.ActiveSessions, m.RTT,
	)
	return m
}
