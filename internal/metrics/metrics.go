// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/session"
	"GoISG/internal/errors"
	"GoISG/internal/model"

	"github.com/prometheus/client_golang/prometheus"
)

// NamespaceStats is a point-in-time view of one namespace's tables.
type NamespaceStats struct {
	Namespace      string
	Counts         session.Counts
	PortsInUse     int
	PendingEvents  int
	NetworkEntries int
	Services       int
	Registered     bool
}

// StatsSource supplies NamespaceStats at scrape time.
type StatsSource interface {
	NamespaceStats() []NamespaceStats
}

// Metrics holds all engine Prometheus metrics.
type Metrics struct {
	Packets       *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	EventsSent    *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	Commands      *prometheus.CounterVec

	sessions       *prometheus.Desc
	ports          *prometheus.Desc
	pending        *prometheus.Desc
	networkEntries *prometheus.Desc
	services       *prometheus.Desc
	listener       *prometheus.Desc
	source         StatsSource
}

// NewMetrics creates the engine metrics. source may be nil, in which case only
// the activity counters are exported.
func NewMetrics(source StatsSource) *Metrics {
	ns := []string{"namespace"}
	return &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_packets_total",
			Help: "Total number of packets classified, by verdict",
		}, []string{"namespace", "verdict"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_bytes_total",
			Help: "Total number of bytes classified, by verdict",
		}, []string{"namespace", "verdict"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_events_sent_total",
			Help: "Total number of events delivered to the controller",
		}, []string{"namespace", "type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_events_dropped_total",
			Help: "Total number of events discarded without a reachable controller",
		}, []string{"namespace", "type"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isg_commands_total",
			Help: "Total number of controller commands, by result",
		}, []string{"namespace", "type", "result"}),

		sessions: prometheus.NewDesc("isg_sessions",
			"Number of subscriber sessions by state", []string{"namespace", "state"}, nil),
		ports: prometheus.NewDesc("isg_ports_in_use",
			"Number of allocated virtual ports", ns, nil),
		pending: prometheus.NewDesc("isg_events_pending",
			"Number of events waiting to be delivered", ns, nil),
		networkEntries: prometheus.NewDesc("isg_network_entries",
			"Number of committed traffic classification entries", ns, nil),
		services: prometheus.NewDesc("isg_service_descriptions",
			"Number of service descriptions", ns, nil),
		listener: prometheus.NewDesc("isg_listener_registered",
			"Whether a controller is registered (1) or not (0)", ns, nil),
		source: source,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Packets.Describe(ch)
	m.Bytes.Describe(ch)
	m.EventsSent.Describe(ch)
	m.EventsDropped.Describe(ch)
	m.Commands.Describe(ch)

	ch <- m.sessions
	ch <- m.ports
	ch <- m.pending
	ch <- m.networkEntries
	ch <- m.services
	ch <- m.listener
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Packets.Collect(ch)
	m.Bytes.Collect(ch)
	m.EventsSent.Collect(ch)
	m.EventsDropped.Collect(ch)
	m.Commands.Collect(ch)

	if m.source == nil {
		return
	}
	for _, st := range m.source.NamespaceStats() {
		ns := st.Namespace
		ch <- prometheus.MustNewConstMetric(m.sessions, prometheus.GaugeValue, float64(st.Counts.Approved), ns, "approved")
		ch <- prometheus.MustNewConstMetric(m.sessions, prometheus.GaugeValue, float64(st.Counts.Unapproved), ns, "unapproved")
		ch <- prometheus.MustNewConstMetric(m.sessions, prometheus.GaugeValue, float64(st.Counts.Dying), ns, "dying")
		ch <- prometheus.MustNewConstMetric(m.ports, prometheus.GaugeValue, float64(st.PortsInUse), ns)
		ch <- prometheus.MustNewConstMetric(m.pending, prometheus.GaugeValue, float64(st.PendingEvents), ns)
		ch <- prometheus.MustNewConstMetric(m.networkEntries, prometheus.GaugeValue, float64(st.NetworkEntries), ns)
		ch <- prometheus.MustNewConstMetric(m.services, prometheus.GaugeValue, float64(st.Services), ns)
		registered := 0.0
		if st.Registered {
			registered = 1
		}
		ch <- prometheus.MustNewConstMetric(m.listener, prometheus.GaugeValue, registered, ns)
	}
}

// SetSource attaches the gauge source. Call it before the metrics are scraped.
func (m *Metrics) SetSource(source StatsSource) {
	m.source = source
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// Namespace returns an observer recording the activity of the named namespace.
func (m *Metrics) Namespace(name string) *Observer {
	return &Observer{m: m, ns: name}
}

// Observer records the activity of one namespace.
type Observer struct {
	m  *Metrics
	ns string
}

// EventSent counts a delivered event.
func (o *Observer) EventSent(t protocol.EventType) {
	o.m.EventsSent.WithLabelValues(o.ns, t.String()).Inc()
}

// EventDropped counts a discarded event.
func (o *Observer) EventDropped(t protocol.EventType) {
	o.m.EventsDropped.WithLabelValues(o.ns, t.String()).Inc()
}

// Packet counts a classified packet.
func (o *Observer) Packet(v model.Verdict, bytes int) {
	verdict := v.String()
	o.m.Packets.WithLabelValues(o.ns, verdict).Inc()
	o.m.Bytes.WithLabelValues(o.ns, verdict).Add(float64(bytes))
}

// Command counts a controller command by its reply.
func (o *Observer) Command(t protocol.EventType, reply protocol.Reply) {
	o.m.Commands.WithLabelValues(o.ns, t.String(), errors.ReasonText(reply.Reason)).Inc()
}
