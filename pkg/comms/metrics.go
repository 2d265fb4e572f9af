package comms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lanmesh"

// Metrics counts traffic and link churn. A nil *Metrics records nothing.
type Metrics struct {
	framesSent       *prometheus.CounterVec
	framesReceived   *prometheus.CounterVec
	framesForwarded  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	livePeers        prometheus.Gauge
	dials            *prometheus.CounterVec
	watchdogExpiries prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to peers, by frame type.",
		}, []string{"type"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from peers, by frame type.",
		}, []string{"type"}),
		framesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_forwarded_total",
			Help:      "Messages handed to flood forwarding.",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Messages dropped instead of delivered or forwarded, by reason.",
		}, []string{"reason"}),
		livePeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "live_peers",
			Help:      "Peers with an open link.",
		}),
		dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dials_total",
			Help:      "Outbound dial attempts, by result.",
		}, []string{"result"}),
		watchdogExpiries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watchdog_expiries_total",
			Help:      "Links torn down after an unanswered ping.",
		}),
	}
}

const (
	dropLoopback  = "loopback"
	dropDuplicate = "duplicate"
	dropTTL       = "ttl"
)

func (m *Metrics) sent(typ string) {
	if m != nil {
		m.framesSent.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) received(typ string) {
	if m != nil {
		m.framesReceived.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) forwarded() {
	if m != nil {
		m.framesForwarded.Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) linkUp() {
	if m != nil {
		m.livePeers.Inc()
	}
}

func (m *Metrics) linkDown() {
	if m != nil {
		m.livePeers.Dec()
	}
}

func (m *Metrics) dialed(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.dials.WithLabelValues("ok").Inc()
	} else {
		m.dials.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) expired() {
	if m != nil {
		m.watchdogExpiries.Inc()
	}
}
