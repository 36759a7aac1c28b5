// Package jdwpmetrics exports Prometheus metrics for a JDWP proxy.
package jdwpmetrics

import (
	"net"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metrics.
type Config struct {
	// Namespace is the metrics namespace. If empty, "jdwpproxy" is used.
	Namespace string

	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is where the metrics are registered. If nil,
	// [prometheus.DefaultRegisterer] is used.
	Registry prometheus.Registerer
}

// Metrics counts traffic and lifecycle events. Use it as an interceptor to
// count traffic, and with [jdwpproxy.WithServerTrace] for everything else.
type Metrics struct {
	bytes       *prometheus.CounterVec
	packets     *prometheus.CounterVec
	accepted    prometheus.Counter
	relayed     prometheus.Counter
	handshakes  prometheus.Counter
	clients     prometheus.Counter
	controls    *prometheus.CounterVec
	devices     prometheus.Gauge
	state       prometheus.Gauge
	transitions *prometheus.CounterVec
	primaryLost prometheus.Counter
}

var _ jdwpproxy.Interceptor = (*Metrics)(nil)

// New creates and registers the metrics. It panics if they are already
// registered.
func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "jdwpproxy"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "bytes_total",
			Help:        "Bytes passed to interceptors by direction (client bytes are counted once per client)",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "packets_total",
			Help:        "JDWP packets by direction and kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction", "kind"}),

		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "accepted_total",
			Help:        "Connections accepted",
			ConstLabels: cfg.ConstLabels,
		}),

		relayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "relayed_total",
			Help:        "Connections relayed to the primary server in fallback mode",
			ConstLabels: cfg.ConstLabels,
		}),

		handshakes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "client_handshakes_total",
			Help:        "Clients which completed the JDWP handshake",
			ConstLabels: cfg.ConstLabels,
		}),

		clients: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "clients_closed_total",
			Help:        "Clients disconnected",
			ConstLabels: cfg.ConstLabels,
		}),

		controls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "control_commands_total",
			Help:        "Control commands handled by command and result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"command", "result"}),

		devices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "device_connections",
			Help:        "Open device connections",
			ConstLabels: cfg.ConstLabels,
		}),

		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "state",
			Help:        "Server state (0=unstarted, 1=server, 2=fallback, 3=stopped)",
			ConstLabels: cfg.ConstLabels,
		}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "state_changes_total",
			Help:        "Server state changes by new state",
			ConstLabels: cfg.ConstLabels,
		}, []string{"state"}),

		primaryLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "primary_lost_total",
			Help:        "Times the primary server was detected as unreachable in fallback mode",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func kind(p jdwpproto.Packet) string {
	switch {
	case p.IsReply():
		return "reply"
	case p.IsDDMS():
		return "ddms"
	default:
		return "command"
	}
}

func (m *Metrics) FilterToDevice(_ *jdwpproxy.Client, b []byte) bool {
	m.bytes.WithLabelValues("device").Add(float64(len(b)))
	return false
}

func (m *Metrics) FilterToDevicePacket(_ *jdwpproxy.Client, p jdwpproto.Packet) bool {
	m.packets.WithLabelValues("device", kind(p)).Inc()
	return false
}

func (m *Metrics) FilterToClient(_ *jdwpproxy.Client, b []byte) bool {
	m.bytes.WithLabelValues("client").Add(float64(len(b)))
	return false
}

func (m *Metrics) FilterToClientPacket(_ *jdwpproxy.Client, p jdwpproto.Packet) bool {
	m.packets.WithLabelValues("client", kind(p)).Inc()
	return false
}

// Trace returns hooks which update the metrics.
func (m *Metrics) Trace() *jdwpproxy.ServerTrace {
	return &jdwpproxy.ServerTrace{
		StateChanged: func(_, to jdwpproxy.State) {
			m.state.Set(float64(to))
			m.transitions.WithLabelValues(to.String()).Inc()
		},
		Accepted: func(net.Addr, *jdwpproxy.ConnectionID) {
			m.accepted.Inc()
		},
		Relayed: func(net.Addr) {
			m.relayed.Inc()
		},
		ClientHandshake: func(*jdwpproxy.Client) {
			m.handshakes.Inc()
		},
		ClientClosed: func(*jdwpproxy.Client) {
			m.clients.Inc()
		},
		Control: func(cmd string, _ jdwpproxy.ConnectionID, err error) {
			result := "ok"
			if err != nil {
				result = "fail"
			}
			m.controls.WithLabelValues(cmd, result).Inc()
		},
		DeviceOpened: func(jdwpproxy.ConnectionID) {
			m.devices.Inc()
		},
		DeviceClosed: func(jdwpproxy.ConnectionID) {
			m.devices.Dec()
		},
		PrimaryLost: func(error) {
			m.primaryLost.Inc()
		},
	}
}
