package shane

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by every network. Each network
// gets its own label value.
type Metrics struct {
	upstreamLines *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	clients       *prometheus.GaugeVec
	authFailures  *prometheus.CounterVec
	replayLines   *prometheus.GaugeVec
	longLines     *prometheus.CounterVec
	afkDropped    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstreamLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shane",
				Name:      "upstream_lines_total",
				Help:      "Lines read from the upstream network.",
			},
			[]string{"network"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shane",
				Name:      "upstream_reconnects_total",
				Help:      "Times the upstream connection was lost and redialled.",
			},
			[]string{"network"},
		),
		clients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "shane",
				Name:      "clients_connected",
				Help:      "Authenticated clients currently attached.",
			},
			[]string{"network"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shane",
				Name:      "auth_failures_total",
				Help:      "Rejected client authentication attempts.",
			},
			[]string{"network"},
		),
		replayLines: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "shane",
				Name:      "backlog_replay_lines",
				Help:      "Lines in the shared replay log.",
			},
			[]string{"network"},
		),
		longLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shane",
				Name:      "upstream_long_lines_total",
				Help:      "Upstream lines dropped for exceeding the length limit.",
			},
			[]string{"network"},
		),
		afkDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shane",
				Name:      "afk_replies_dropped_total",
				Help:      "AFK replies not sent because of the send rate.",
			},
			[]string{"network"},
		),
	}
	reg.MustRegister(m.upstreamLines, m.reconnects, m.clients, m.authFailures, m.replayLines, m.longLines, m.afkDropped)
	return m
}

// networkMetrics are the collectors of one network.
type networkMetrics struct {
	upstreamLines prometheus.Counter
	reconnects    prometheus.Counter
	clients       prometheus.Gauge
	authFailures  prometheus.Counter
	replayLines   prometheus.Gauge
	longLines     prometheus.Counter
	afkDropped    prometheus.Counter
}

// forNetwork curries the collectors for a network. A nil Metrics yields
// unregistered collectors so callers never check for nil.
func (m *Metrics) forNetwork(name string) *networkMetrics {
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	return &networkMetrics{
		upstreamLines: m.upstreamLines.WithLabelValues(name),
		reconnects:    m.reconnects.WithLabelValues(name),
		clients:       m.clients.WithLabelValues(name),
		authFailures:  m.authFailures.WithLabelValues(name),
		replayLines:   m.replayLines.WithLabelValues(name),
		longLines:     m.longLines.WithLabelValues(name),
		afkDropped:    m.afkDropped.WithLabelValues(name),
	}
}
