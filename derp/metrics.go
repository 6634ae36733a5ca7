package derp

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the fire-and-forget counters collaborator named in spec.md
// §6. It's a concrete Prometheus-backed implementation (see SPEC_FULL.md's
// DOMAIN STACK) rather than an interface, since nothing in this repo needs
// to swap the backend out; callers that do can wrap their own.
type Metrics struct {
	derpAccepts             prometheus.Counter
	websocketAccepts        prometheus.Counter
	packetsDroppedFullMbox  prometheus.Counter
	packetsForwarded        prometheus.Counter
	connsActive             prometheus.Gauge
	bytesReceived           prometheus.Counter
	bytesSent               prometheus.Counter
	protocolErrors          prometheus.Counter
	timeouts                prometheus.Counter
	handshakeFailures       prometheus.Counter
	forcedReplacements      prometheus.Counter
}

// NewMetrics registers the relay's counters on reg and returns a Metrics
// handle. reg may be a fresh prometheus.NewRegistry() (as in tests) or the
// process-wide prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		derpAccepts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_accepts_total",
			Help: "Total raw derp-protocol upgrade handshakes accepted.",
		}),
		websocketAccepts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_websocket_accepts_total",
			Help: "Total websocket-protocol upgrade handshakes accepted.",
		}),
		packetsDroppedFullMbox: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_packets_dropped_full_mailbox_total",
			Help: "Packets dropped because the destination's mailbox was full.",
		}),
		packetsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_packets_forwarded_total",
			Help: "Packets successfully enqueued to a destination mailbox.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "derp_connections_active",
			Help: "Currently registered client connections.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_bytes_received_total",
			Help: "Bytes read from client connections, including framing.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_bytes_sent_total",
			Help: "Bytes written to client connections, including framing.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_protocol_errors_total",
			Help: "Connections closed due to a protocol error.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_timeouts_total",
			Help: "Connections closed due to a handshake or write timeout.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_handshake_failures_total",
			Help: "Handshakes that failed for any reason (timeout, malformed frame, bad signature, version mismatch).",
		}),
		forcedReplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derp_forced_replacements_total",
			Help: "Times a second connection for the same key evicted the first.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.derpAccepts, m.websocketAccepts, m.packetsDroppedFullMbox,
		m.packetsForwarded, m.connsActive, m.bytesReceived, m.bytesSent,
		m.protocolErrors, m.timeouts, m.handshakeFailures, m.forcedReplacements,
	} {
		reg.MustRegister(c)
	}
	return m
}

func (m *Metrics) IncDerpAccepts()        { m.derpAccepts.Inc() }
func (m *Metrics) IncWebsocketAccepts()   { m.websocketAccepts.Inc() }
func (m *Metrics) IncDroppedFullMailbox() { m.packetsDroppedFullMbox.Inc() }
func (m *Metrics) IncForwarded()          { m.packetsForwarded.Inc() }
func (m *Metrics) ConnOpened()            { m.connsActive.Inc() }
func (m *Metrics) ConnClosed()            { m.connsActive.Dec() }
func (m *Metrics) AddBytesReceived(n int) { m.bytesReceived.Add(float64(n)) }
func (m *Metrics) AddBytesSent(n int)     { m.bytesSent.Add(float64(n)) }
func (m *Metrics) IncProtocolErrors()     { m.protocolErrors.Inc() }
func (m *Metrics) IncTimeouts()           { m.timeouts.Inc() }
func (m *Metrics) IncHandshakeFailures()  { m.handshakeFailures.Inc() }
func (m *Metrics) IncForcedReplacements() { m.forcedReplacements.Inc() }
