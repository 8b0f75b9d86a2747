package quic

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the endpoint-level Prometheus counters every Endpoint
// exposes: connection lifecycle and packets actually written to the
// socket. Per-connection detail (RTT, congestion window, stream
// counts) stays out of this layer; it is available instead through
// transport.LogEvent for anyone wiring a transactionLogger.
type metrics struct {
	connsAccepted prometheus.Counter
	connsClosed   prometheus.Counter
	packetsSent   prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "connections_accepted_total",
			Help:      "Inbound connections created for a new client Initial packet.",
		}),
		connsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "connections_closed_total",
			Help:      "Connections that reached the drained state.",
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Name:      "packets_sent_total",
			Help:      "Packets written to the socket, across all connections.",
		}),
	}
}

// Collectors returns the endpoint's counters for registration with a
// prometheus.Registerer.
func (m *metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.connsAccepted, m.connsClosed, m.packetsSent}
}
