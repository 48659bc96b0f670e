// Package metrics exposes relay counters in Prometheus format.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery paths.
const (
	PathLocal        = "local"
	PathBuffered     = "buffered"
	PathCascade      = "cascade"
	PathDropped      = "dropped"
	PathBroadcastOut = "broadcast_out"
	PathBroadcastIn  = "broadcast_in"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	connections prometheus.Gauge
	admissions  *prometheus.CounterVec
	messages    *prometheus.CounterVec
	reaped      prometheus.Counter
	malformed   prometheus.Counter
}

// New registers the relay collectors on reg. A nil reg gets a private
// registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "signal",
			Name:      "connections_active",
			Help:      "Signaling connections registered on this instance.",
		}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "admissions_total",
			Help:      "Connection attempts by admission result.",
		}, []string{"result"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "messages_total",
			Help:      "Signaling messages by delivery path.",
		}, []string{"path"}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "reaped_total",
			Help:      "Connections evicted for missing heartbeats.",
		}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "malformed_messages_total",
			Help:      "Inbound frames that could not be parsed or were rate limited.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(path string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(path).Inc()
}

func (m *Metrics) Reaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
