// Package metrics holds the Prometheus collectors of the host process.
//
// A nil *Metrics is valid and records nothing, so components can be built without a
// registry in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bucket"

// Metrics groups every collector the host process exports.
type Metrics struct {
	registry *prometheus.Registry

	serversRunning prometheus.Gauge
	connections    *prometheus.GaugeVec
	rooms          *prometheus.GaugeVec
	messages       *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	logins         *prometheus.CounterVec
	tunnelActive   prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serversRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "running",
			Help:      "Number of project servers currently listening",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "connections",
			Help:      "Open channel connections per project port",
		}, []string{"port"}),
		rooms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "documents",
			Help:      "Room documents held in memory per project port",
		}, []string{"port"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Channel messages handled, by type",
		}, []string{"port", "type"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "malformed_messages_total",
			Help:      "Channel messages dropped because they failed validation",
		}, []string{"port"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Guest login attempts, by outcome",
		}, []string{"port", "outcome"}),
		tunnelActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "active",
			Help:      "1 while a public tunnel is open",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serversRunning,
		m.connections,
		m.rooms,
		m.messages,
		m.malformed,
		m.logins,
		m.tunnelActive,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ServerStarted() {
	if m != nil {
		m.serversRunning.Inc()
	}
}

func (m *Metrics) ServerStopped(port int) {
	if m == nil {
		return
	}
	m.serversRunning.Dec()
	p := strconv.Itoa(port)
	m.connections.DeleteLabelValues(p)
	m.rooms.DeleteLabelValues(p)
}

func (m *Metrics) ConnectionOpened(port int) {
	if m != nil {
		m.connections.WithLabelValues(strconv.Itoa(port)).Inc()
	}
}

func (m *Metrics) ConnectionClosed(port int) {
	if m != nil {
		m.connections.WithLabelValues(strconv.Itoa(port)).Dec()
	}
}

func (m *Metrics) DocumentCreated(port int) {
	if m != nil {
		m.rooms.WithLabelValues(strconv.Itoa(port)).Inc()
	}
}

func (m *Metrics) Message(port int, typ string) {
	if m != nil {
		m.messages.WithLabelValues(strconv.Itoa(port), typ).Inc()
	}
}

func (m *Metrics) Malformed(port int) {
	if m != nil {
		m.malformed.WithLabelValues(strconv.Itoa(port)).Inc()
	}
}

// Login counts a login attempt; outcome is a short label such as "ok" or "pending".
func (m *Metrics) Login(port int, outcome string) {
	if m != nil {
		m.logins.WithLabelValues(strconv.Itoa(port), outcome).Inc()
	}
}

func (m *Metrics) SetTunnelActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.tunnelActive.Set(1)
	} else {
		m.tunnelActive.Set(0)
	}
}
