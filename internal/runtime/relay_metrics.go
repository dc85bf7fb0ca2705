package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// RelayMetrics counts relayed, failed and poisoned messages per topic. A nil
// *RelayMetrics records nothing.
type RelayMetrics struct {
	mu sync.RWMutex

	topics map[string]*RelayTopicStats

	relayedTotal  *prometheus.CounterVec
	failedTotal   *prometheus.CounterVec
	poisonedTotal *prometheus.CounterVec
	lagSeconds    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// RelayTopicStats is the in-process view of one topic.
type RelayTopicStats struct {
	Relayed       uint64    `json:"relayed"`
	Failed        uint64    `json:"failed"`
	Poisoned      uint64    `json:"poisoned"`
	LastRelayedAt time.Time `json:"last_relayed_at,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// RelayMetricsSnapshot is a point-in-time copy of every topic.
type RelayMetricsSnapshot struct {
	TotalRelayed  uint64                     `json:"total_relayed"`
	TotalFailed   uint64                     `json:"total_failed"`
	TotalPoisoned uint64                     `json:"total_poisoned"`
	Topics        map[string]RelayTopicStats `json:"topics"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

func newRelayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simbus",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewRelayMetrics creates the collectors. A nil registerer selects the
// Prometheus default.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RelayMetrics{
		topics:        make(map[string]*RelayTopicStats),
		registerer:    registerer,
		relayedTotal:  newRelayCounterVec("messages_total", "Messages relayed between the bus and the broker", []string{"direction", "topic"}),
		failedTotal:   newRelayCounterVec("failures_total", "Relay attempts that failed and will be retried", []string{"direction", "topic"}),
		poisonedTotal: newRelayCounterVec("poisoned_total", "Messages rejected as unrelayable", []string{"topic"}),
		lagSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "simbus",
				Subsystem: "relay",
				Name:      "lag_seconds",
				Help:      "Time between envelope creation and hand-off to the other side",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"direction"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.relayedTotal, m.failedTotal, m.poisonedTotal, m.lagSeconds} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordRelayed counts one delivered message. A zero createdAt skips the lag
// observation.
func (m *RelayMetrics) RecordRelayed(direction, topic string, createdAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := m.statsFor(topic)
	stats.Relayed++
	stats.LastRelayedAt = now
	stats.LastUpdatedAt = now

	m.relayedTotal.WithLabelValues(direction, topic).Inc()
	if !createdAt.IsZero() {
		lag := now.Sub(createdAt)
		if lag < 0 {
			lag = 0
		}
		m.lagSeconds.WithLabelValues(direction).Observe(lag.Seconds())
	}
}

func (m *RelayMetrics) RecordFailed(direction, topic string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(topic)
	stats.Failed++
	stats.LastUpdatedAt = time.Now()
	m.failedTotal.WithLabelValues(direction, topic).Inc()
}

func (m *RelayMetrics) RecordPoisoned(topic string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(topic)
	stats.Poisoned++
	stats.LastUpdatedAt = time.Now()
	m.poisonedTotal.WithLabelValues(topic).Inc()
}

// Snapshot returns copies of every topic's stats.
func (m *RelayMetrics) Snapshot() RelayMetricsSnapshot {
	snapshot := RelayMetricsSnapshot{
		Topics:      make(map[string]RelayTopicStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, stats := range m.topics {
		snapshot.Topics[topic] = *stats
		snapshot.TotalRelayed += stats.Relayed
		snapshot.TotalFailed += stats.Failed
		snapshot.TotalPoisoned += stats.Poisoned
	}
	return snapshot
}

// Topic returns nil for a topic that has seen no traffic.
func (m *RelayMetrics) Topic(topic string) *RelayTopicStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.topics[topic]; ok {
		cp := *stats
		return &cp
	}
	return nil
}

func (m *RelayMetrics) statsFor(topic string) *RelayTopicStats {
	if stats, ok := m.topics[topic]; ok {
		return stats
	}
	stats := &RelayTopicStats{}
	m.topics[topic] = stats
	return stats
}
