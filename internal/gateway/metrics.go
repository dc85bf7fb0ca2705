package gateway

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks stream clients and forwarded frames. A nil *Metrics records
// nothing.
type Metrics struct {
	clients     prometheus.Gauge
	connections prometheus.Counter
	frames      *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on reg. A nil reg returns nil.
// Collectors already registered on reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbus", Subsystem: "gateway",
			Name: "clients_connected",
			Help: "WebSocket clients currently streaming.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbus", Subsystem: "gateway",
			Name: "connections_total",
			Help: "WebSocket clients accepted.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbus", Subsystem: "gateway",
			Name: "frames_sent_total",
			Help: "Envelopes written to clients, by source.",
		}, []string{"source"}),
	}

	var err error
	if m.clients, err = register(reg, m.clients); err != nil {
		return nil, err
	}
	if m.connections, err = register(reg, m.connections); err != nil {
		return nil, err
	}
	if m.frames, err = register(reg, m.frames); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.clients.Inc()
	m.connections.Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

func (m *Metrics) sent(source string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(source).Inc()
}
