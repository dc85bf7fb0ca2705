package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/simbus/transport"
	"github.com/drblury/simbus/transport/transporttest"
)

func overrideFactories(t *testing.T) {
	t.Helper()
	pub, sub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = pub
		SubscriberFactory = sub
	})
}

func TestRegister(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsTracing)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("outbound only skips the consumer group", func(t *testing.T) {
		overrideFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			t.Fatal("subscriber must not be built without inbound topics")
			return nil, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Nil(t, tr.Subscriber)
	})

	t.Run("inbound builds consumer group subscriber", func(t *testing.T) {
		overrideFactories(t)
		sub := &transporttest.Subscriber{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "simbus-relay", cfg.ConsumerGroup)
			return sub, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{
			Inbound:            true,
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "simbus-relay",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("publisher error", func(t *testing.T) {
		overrideFactories(t)
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		overrideFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &transporttest.Config{Inbound: true}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
