// Package metrics holds the Prometheus collectors shared by every socket of a
// process.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	ReasonQueueFull = "queue_full"
	ReasonSendError = "send_error"
)

// Request outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
)

// BusMetrics counts traffic per socket address. A nil *BusMetrics is valid and
// records nothing, so sockets never need to check for it.
type BusMetrics struct {
	mu sync.RWMutex

	addresses map[string]*AddressStats

	sentTotal         *prometheus.CounterVec
	droppedTotal      *prometheus.CounterVec
	receivedTotal     *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	reconnectsTotal   *prometheus.CounterVec
	subscribers       *prometheus.GaugeVec
	requestDuration   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// AddressStats is the in-process view of one address, used by busctl and
// tests.
type AddressStats struct {
	Sent         uint64    `json:"sent"`
	Dropped      uint64    `json:"dropped"`
	Received     uint64    `json:"received"`
	DecodeErrors uint64    `json:"decode_errors"`
	Reconnects   uint64    `json:"reconnects"`
	Subscribers  int64     `json:"subscribers"`
	Requests     uint64    `json:"requests"`
	Timeouts     uint64    `json:"timeouts"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Snapshot is a point-in-time copy of every address.
type Snapshot struct {
	Addresses   map[string]AddressStats `json:"addresses"`
	CollectedAt time.Time               `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer means the default registry.
func New(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		addresses:         make(map[string]*AddressStats),
		registerer:        registerer,
		sentTotal:         newCounterVec("sent_total", "Envelopes handed to at least the send path of a publisher", []string{"address", "topic"}),
		droppedTotal:      newCounterVec("dropped_total", "Envelopes dropped for one subscriber connection", []string{"address", "reason"}),
		receivedTotal:     newCounterVec("received_total", "Envelopes delivered to a subscriber sequence", []string{"address", "topic"}),
		decodeErrorsTotal: newCounterVec("decode_errors_total", "Malformed messages dropped by a subscriber", []string{"address"}),
		reconnectsTotal:   newCounterVec("reconnects_total", "Subscriber and requester redials", []string{"address"}),
		subscribers:       newGaugeVec("subscribers", "Subscriber connections currently attached to a publisher", []string{"address"}),
		requestDuration:   newHistogramVec("request_duration_seconds", "Request/reply round trip time", []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5}, []string{"address", "outcome"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.sentTotal,
		m.droppedTotal,
		m.receivedTotal,
		m.decodeErrorsTotal,
		m.reconnectsTotal,
		m.subscribers,
		m.requestDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *BusMetrics) RecordSent(address, topic string) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) { s.Sent++ })
	m.sentTotal.WithLabelValues(address, topic).Inc()
}

func (m *BusMetrics) RecordDropped(address, reason string) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) { s.Dropped++ })
	m.droppedTotal.WithLabelValues(address, reason).Inc()
}

func (m *BusMetrics) RecordReceived(address, topic string) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) { s.Received++ })
	m.receivedTotal.WithLabelValues(address, topic).Inc()
}

func (m *BusMetrics) RecordDecodeError(address string) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) { s.DecodeErrors++ })
	m.decodeErrorsTotal.WithLabelValues(address).Inc()
}

func (m *BusMetrics) RecordReconnect(address string) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) { s.Reconnects++ })
	m.reconnectsTotal.WithLabelValues(address).Inc()
}

// AddSubscribers moves the attached-subscriber gauge by delta.
func (m *BusMetrics) AddSubscribers(address string, delta int) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) { s.Subscribers += int64(delta) })
	m.subscribers.WithLabelValues(address).Add(float64(delta))
}

// ObserveRequest records one request/reply round trip.
func (m *BusMetrics) ObserveRequest(address, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.update(address, func(s *AddressStats) {
		s.Requests++
		if outcome == OutcomeTimeout {
			s.Timeouts++
		}
	})
	m.requestDuration.WithLabelValues(address, outcome).Observe(took.Seconds())
}

// Stats returns a copy of one address, or the zero value when nothing was
// recorded for it.
func (m *BusMetrics) Stats(address string) AddressStats {
	if m == nil {
		return AddressStats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.addresses[address]; ok {
		return *s
	}
	return AddressStats{}
}

// GetSnapshot returns a point-in-time copy of every address.
func (m *BusMetrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{Addresses: map[string]AddressStats{}, CollectedAt: time.Now()}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for addr, s := range m.addresses {
		snapshot.Addresses[addr] = *s
	}
	return snapshot
}

// Reset clears everything, for tests.
func (m *BusMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addresses = make(map[string]*AddressStats)
	m.sentTotal.Reset()
	m.droppedTotal.Reset()
	m.receivedTotal.Reset()
	m.decodeErrorsTotal.Reset()
	m.reconnectsTotal.Reset()
	m.subscribers.Reset()
	m.requestDuration.Reset()
}

func (m *BusMetrics) update(address string, fn func(*AddressStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.addresses[address]
	if !ok {
		s = &AddressStats{}
		m.addresses[address] = s
	}
	fn(s)
	s.LastUpdated = time.Now()
}
