// Package metrics exposes mesh counters in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/adwski/roommesh/backend/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "roommesh"
	otherEvent       = "other"
)

var knownEvents = map[string]struct{}{
	model.EventRegister:            {},
	model.EventSubscribe:           {},
	model.EventUnsubscribe:         {},
	model.EventMasterCandidacy:     {},
	model.EventListThreadsRequest:  {},
	model.EventListThreadsResponse: {},
	model.EventServerStateRequest:  {},
	model.EventServerStatePush:     {},
	model.EventDomainDataSet:       {},
	model.EventModelRPCData:        {},
	model.EventEngineRequest:       {},
}

type Metrics struct {
	registry *prometheus.Registry
	sockets  *prometheus.GaugeVec
	frames   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	relayed  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_sockets",
			Help:      "Currently connected sockets per namespace.",
		}, []string{"namespace"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_frames_total",
			Help:      "Frames received from participants.",
		}, []string{"namespace", "event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_frames_total",
			Help:      "Frames that could not be forwarded to a socket.",
		}, []string{"namespace"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_frames_total",
			Help:      "Room frames exchanged with other mesh processes.",
		}, []string{"namespace", "direction"}),
	}
	m.registry.MustRegister(m.sockets, m.frames, m.dropped, m.relayed)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SocketConnected(namespace string) {
	if m == nil {
		return
	}
	m.sockets.WithLabelValues(namespace).Inc()
}

func (m *Metrics) SocketDisconnected(namespace string) {
	if m == nil {
		return
	}
	m.sockets.WithLabelValues(namespace).Dec()
}

func (m *Metrics) Frame(namespace, event string) {
	if m == nil {
		return
	}
	if _, ok := knownEvents[event]; !ok {
		event = otherEvent
	}
	m.frames.WithLabelValues(namespace, event).Inc()
}

func (m *Metrics) Dropped(namespace string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(namespace).Inc()
}

// Relayed counts frames published to ("out") or received from ("in") the relay.
func (m *Metrics) Relayed(namespace, direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(namespace, direction).Inc()
}
