package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/bus"
	"github.com/drblury/simbus/internal/runtime/cloudevents"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/metadata"
	"github.com/drblury/simbus/transport"
	"github.com/drblury/simbus/transport/transporttest"
)

var fastRetry = RetryMiddlewareConfig{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

// relayHarness owns a bus context and an in-memory broker.
type relayHarness struct {
	t      *testing.T
	busCtx *bus.Context
	broker *gochannel.GoChannel
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	broker := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = broker.Close() })
	return &relayHarness{t: t, busCtx: newTestBusContext(t), broker: broker}
}

func (h *relayHarness) config() RelayConfig {
	return RelayConfig{
		Name:       "relay",
		Retry:      fastRetry,
		Registerer: prometheus.NewRegistry(),
		Bus:        bus.Options{Context: h.busCtx},
		Logger:     newTestLogger(),
	}
}

func (h *relayHarness) transport(inbound bool) transport.Transport {
	tr := transport.Transport{Publisher: h.broker}
	if inbound {
		tr.Subscriber = h.broker
	}
	return tr
}

func (h *relayHarness) publisher(name string) *bus.Publisher {
	h.t.Helper()
	pub, err := bus.OpenPublisher(context.Background(), socketAddr(h.t, name), bus.Options{Context: h.busCtx})
	require.NoError(h.t, err)
	return pub
}

func (h *relayHarness) consume(topic string) <-chan *message.Message {
	h.t.Helper()
	ch, err := h.broker.Subscribe(context.Background(), topic)
	require.NoError(h.t, err)
	return ch
}

// start runs the relay until the test ends.
func (h *relayHarness) start(r *Relay) {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-done
		_ = r.Close()
	})

	select {
	case <-r.Running():
	case <-time.After(5 * time.Second):
		h.t.Fatal("relay did not start")
	}
}

func waitSubscribed(t *testing.T, pub *bus.Publisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return pub.Subscribers() == n }, 5*time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan *message.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewRelayValidation(t *testing.T) {
	h := newRelayHarness(t)
	src := []address.Address{socketAddr(t, "src.sock")}

	tests := []struct {
		name   string
		mutate func(*RelayConfig, *transport.Transport, *transport.Capabilities)
		want   string
	}{
		{"missing name", func(c *RelayConfig, _ *transport.Transport, _ *transport.Capabilities) { c.Name = "" }, "relay name"},
		{"missing publisher", func(_ *RelayConfig, tr *transport.Transport, _ *transport.Capabilities) { tr.Publisher = nil }, "broker publisher is required"},
		{"nothing to relay", func(c *RelayConfig, _ *transport.Transport, _ *transport.Capabilities) { c.Sources = nil }, "at least one source"},
		{"inbound unsupported", func(c *RelayConfig, _ *transport.Transport, caps *transport.Capabilities) {
			c.InboundTopics = []string{"orders.new"}
			c.InboundAddress = socketAddr(t, "in.sock")
			caps.SupportsInbound = false
		}, "cannot deliver inbound"},
		{"inbound without subscriber", func(c *RelayConfig, tr *transport.Transport, _ *transport.Capabilities) {
			c.InboundTopics = []string{"orders.new"}
			c.InboundAddress = socketAddr(t, "in.sock")
			tr.Subscriber = nil
		}, "need a broker subscriber"},
		{"inbound without address", func(c *RelayConfig, _ *transport.Transport, _ *transport.Capabilities) {
			c.InboundTopics = []string{"orders.new"}
		}, errspkg.ErrAddressRequired.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &transporttest.Publisher{}
			tr := transport.Transport{Publisher: pub, Subscriber: &transporttest.Subscriber{}}
			caps := transport.ChannelCapabilities
			cfg := h.config()
			cfg.Sources = src
			tt.mutate(&cfg, &tr, &caps)

			_, err := NewRelay(context.Background(), cfg, tr, caps)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
			var cfgErr errspkg.ConfigValidationError
			assert.ErrorAs(t, err, &cfgErr)
			if tr.Publisher != nil {
				assert.True(t, pub.Closed, "transport must be closed on failure")
			}
		})
	}
}

func TestNewRelayRequiresLogger(t *testing.T) {
	pub := &transporttest.Publisher{}
	_, err := NewRelay(context.Background(), RelayConfig{Name: "relay"}, transport.Transport{Publisher: pub}, transport.ChannelCapabilities)

	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
	assert.True(t, pub.Closed)
}

func TestNewRelayConfigErrorWrapsConfigRequired(t *testing.T) {
	h := newRelayHarness(t)
	cfg := h.config()
	cfg.Name = ""
	cfg.Sources = []address.Address{socketAddr(t, "src.sock")}

	_, err := NewRelay(context.Background(), cfg, h.transport(false), transport.ChannelCapabilities)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestRelayPublishesCloudEventsOutbound(t *testing.T) {
	h := newRelayHarness(t)
	pub := h.publisher("md.sock")
	out := h.consume("prices.tick")

	cfg := h.config()
	cfg.Name = "md_relay"
	cfg.Sources = []address.Address{pub.Address()}
	cfg.Topics = []string{"prices."}
	relay, err := NewRelay(context.Background(), cfg, h.transport(false), transport.ChannelCapabilities)
	require.NoError(t, err)
	h.start(relay)
	waitSubscribed(t, pub, 1)

	require.NoError(t, pub.Send("fx.spot", envelope.Payload{"pair": "EURUSD"}))
	require.NoError(t, pub.SendVersion("prices.tick", envelope.Payload{"security_id": "AAPL", "mid": 187.5}, 2))

	msg := receive(t, out)
	assert.Equal(t, "prices.tick", msg.Metadata.Get(metadata.KeyTopic))
	assert.Equal(t, pub.Address().String(), msg.Metadata.Get(metadata.KeySource))
	assert.NotEmpty(t, msg.Metadata.Get(metadata.KeyCorrelationID))

	evt, err := cloudevents.FromMessage(msg, "")
	require.NoError(t, err)
	assert.Equal(t, "prices.tick", evt.Type)
	assert.Equal(t, "md_relay", evt.Source)
	assert.Equal(t, "AAPL", evt.Data["security_id"])
	assert.Equal(t, 2, cloudevents.SchemaVersion(evt))

	require.Eventually(t, func() bool {
		stats := relay.Metrics().Topic("prices.tick")
		return stats != nil && stats.Relayed == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Nil(t, relay.Metrics().Topic("fx.spot"))
}

func TestRelayStartsBeforeItsSource(t *testing.T) {
	h := newRelayHarness(t)
	addr := socketAddr(t, "late.sock")
	out := h.consume("fx.spot")

	cfg := h.config()
	cfg.Sources = []address.Address{addr}
	relay, err := NewRelay(context.Background(), cfg, h.transport(false), transport.ChannelCapabilities)
	require.NoError(t, err)
	h.start(relay)

	pub, err := bus.OpenPublisher(context.Background(), addr, bus.Options{Context: h.busCtx})
	require.NoError(t, err)
	waitSubscribed(t, pub, 1)
	require.NoError(t, pub.Send("fx.spot", envelope.Payload{"pair": "EURUSD", "mid": 1.0842}))

	evt, err := cloudevents.FromMessage(receive(t, out), "")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", evt.Data["pair"])
}

func TestRelayDropsOversizedMessagesWithoutPoisonQueue(t *testing.T) {
	h := newRelayHarness(t)
	pub := h.publisher("md.sock")
	out := h.consume("prices.tick")

	caps := transport.ChannelCapabilities
	caps.MaxMessageSize = 512
	cfg := h.config()
	cfg.Sources = []address.Address{pub.Address()}
	relay, err := NewRelay(context.Background(), cfg, h.transport(false), caps)
	require.NoError(t, err)
	h.start(relay)
	waitSubscribed(t, pub, 1)

	require.NoError(t, pub.Send("prices.tick", envelope.Payload{"blob": strings.Repeat("x", 1024)}))
	require.NoError(t, pub.Send("prices.tick", envelope.Payload{"security_id": "MSFT"}))

	evt, err := cloudevents.FromMessage(receive(t, out), "")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", evt.Data["security_id"])
	assertSilent(t, out)

	stats := relay.Metrics().Topic("prices.tick")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats.Poisoned)
}

func TestRelayRoutesUnprocessableToPoisonQueue(t *testing.T) {
	h := newRelayHarness(t)
	pub := h.publisher("md.sock")
	poison := h.consume("simbus.poison")

	caps := transport.ChannelCapabilities
	caps.MaxMessageSize = 512
	cfg := h.config()
	cfg.Sources = []address.Address{pub.Address()}
	cfg.PoisonQueue = "simbus.poison"
	relay, err := NewRelay(context.Background(), cfg, h.transport(false), caps)
	require.NoError(t, err)
	h.start(relay)
	waitSubscribed(t, pub, 1)

	require.NoError(t, pub.Send("prices.tick", envelope.Payload{"blob": strings.Repeat("x", 1024)}))

	msg := receive(t, poison)
	assert.Equal(t, "prices.tick", msg.Metadata.Get(metadata.KeyTopic))
	assert.Contains(t, msg.Metadata.Get(middleware.ReasonForPoisonedKey), "unprocessable")
	assert.Equal(t, uint64(1), relay.Metrics().Snapshot().TotalPoisoned)
}

// flakyPublisher fails the first failures calls.
type flakyPublisher struct {
	transporttest.Publisher
	mu       sync.Mutex
	failures int
}

func (p *flakyPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return errors.New("broker unavailable")
	}
	p.mu.Unlock()
	return p.Publisher.Publish(topic, messages...)
}

func TestRelayRetriesBrokerFailures(t *testing.T) {
	h := newRelayHarness(t)
	pub := h.publisher("md.sock")
	broker := &flakyPublisher{failures: 2}

	cfg := h.config()
	cfg.Sources = []address.Address{pub.Address()}
	relay, err := NewRelay(context.Background(), cfg, transport.Transport{Publisher: broker}, transport.ChannelCapabilities)
	require.NoError(t, err)
	h.start(relay)
	waitSubscribed(t, pub, 1)

	require.NoError(t, pub.Send("inav.tick", envelope.Payload{"etf": "ETF_SP500", "inav": 101.25}))

	require.Eventually(t, func() bool { return len(broker.Published("inav.tick")) == 1 }, 5*time.Second, 5*time.Millisecond)
	stats := relay.Metrics().Topic("inav.tick")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Relayed)
}

func TestRelayRepublishesInboundMessagesOnTheBus(t *testing.T) {
	h := newRelayHarness(t)
	inAddr := socketAddr(t, "inbound.sock")

	cfg := h.config()
	cfg.InboundTopics = []string{"orders.new"}
	cfg.InboundAddress = inAddr
	relay, err := NewRelay(context.Background(), cfg, h.transport(true), transport.ChannelCapabilities)
	require.NoError(t, err)
	h.start(relay)

	sub, err := bus.OpenSubscriber(context.Background(), inAddr, nil, bus.Options{Context: h.busCtx})
	require.NoError(t, err)

	var got envelope.Envelope
	require.Eventually(t, func() bool {
		msg := message.NewMessage(watermill.NewUUID(), []byte(`{"etf":"ETF_SP500","qty":100}`))
		msg.Metadata.Set(cloudevents.MetaSource, "oms")
		msg.Metadata.Set(cloudevents.ExtSchemaVersion, "2")
		if err := h.broker.Publish("orders.new", msg); err != nil {
			return false
		}

		select {
		case got = <-sub.Messages():
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, "orders.new", got.Topic)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, float64(100), got.Payload["qty"])
	assert.GreaterOrEqual(t, relay.Metrics().Topic("orders.new").Relayed, uint64(1))
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	h := newRelayHarness(t)
	pub := &transporttest.Publisher{}

	cfg := h.config()
	cfg.Sources = []address.Address{socketAddr(t, "src.sock")}
	relay, err := NewRelay(context.Background(), cfg, transport.Transport{Publisher: pub}, transport.ChannelCapabilities)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, relay.Close())
	require.NoError(t, relay.Close())
	assert.Less(t, time.Since(start), DefaultRelayCloseTimeout)
	assert.True(t, pub.Closed)

	assert.Error(t, relay.Run(context.Background()))
}
