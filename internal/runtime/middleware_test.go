package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/simbus/internal/runtime/cloudevents"
	idspkg "github.com/drblury/simbus/internal/runtime/ids"
	"github.com/drblury/simbus/internal/runtime/metadata"
	"github.com/drblury/simbus/transport"
	"github.com/drblury/simbus/transport/transporttest"
)

// newBareRelay returns a relay with a router and no handlers.
func newBareRelay(t *testing.T, cfg RelayConfig) (*Relay, *transporttest.Publisher) {
	t.Helper()
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	if cfg.Logger == nil {
		cfg.Logger = newTestLogger()
	}
	pub := &transporttest.Publisher{}
	return &Relay{
		cfg:       cfg,
		log:       cfg.Logger,
		wmLogger:  watermill.NopLogger{},
		router:    router,
		caps:      transport.ChannelCapabilities,
		transport: transport.Transport{Publisher: pub},
		metrics:   NewRelayMetrics(prometheus.NewRegistry()),
	}, pub
}

func newTestMessage(payload string) *message.Message {
	msg := message.NewMessage(idspkg.NewMessageID(), []byte(payload))
	msg.SetContext(context.Background())
	return msg
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Run("adds missing id and propagates it", func(t *testing.T) {
		msg := newTestMessage(`{}`)
		produced, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			assert.NotEmpty(t, middleware.MessageCorrelationID(m))
			return []*message.Message{newTestMessage(`{}`)}, nil
		})(msg)

		require.NoError(t, err)
		require.Len(t, produced, 1)
		assert.Equal(t, middleware.MessageCorrelationID(msg), middleware.MessageCorrelationID(produced[0]))
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := newTestMessage(`{}`)
		msg.Metadata.Set(metadata.KeyCorrelationID, "fixed")
		out := newTestMessage(`{}`)
		out.Metadata.Set(metadata.KeyCorrelationID, "own")

		produced, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "fixed", middleware.MessageCorrelationID(m))
			return []*message.Message{out}, nil
		})(msg)

		require.NoError(t, err)
		assert.Equal(t, "own", middleware.MessageCorrelationID(produced[0]))
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	logger := &recordingServiceLogger{}
	_, err := logMessagesMiddleware(logger)(func(*message.Message) ([]*message.Message, error) {
		return nil, nil
	})(newTestMessage(`{"secret":"x"}`))

	require.NoError(t, err)
	assert.Equal(t, []string{"Processing message"}, logger.debugMessages())
}

func TestLogMessagesMiddlewareValidations(t *testing.T) {
	_, err := LogMessagesMiddleware(nil).Builder(&Relay{})
	assert.Error(t, err)

	r, _ := newBareRelay(t, RelayConfig{})
	mw, err := LogMessagesMiddleware(nil).Builder(r)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestTracerMiddleware(t *testing.T) {
	msg := newTestMessage(`{}`)
	msg.Metadata.Set(metadata.KeyTopic, "prices.tick")

	var observed trace.Span
	_, err := tracerMiddleware(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, errors.New("fail")
	})(msg)

	assert.Error(t, err)
	assert.NotNil(t, observed)
}

func TestRetryMiddleware(t *testing.T) {
	mw := retryMiddleware(fastRetry, watermill.NopLogger{})

	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		_, err := mw(func(*message.Message) ([]*message.Message, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})(newTestMessage(`{}`))

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		_, err := mw(func(*message.Message) ([]*message.Message, error) {
			attempts++
			return nil, errors.New("down")
		})(newTestMessage(`{}`))

		assert.Error(t, err)
		assert.Equal(t, fastRetry.MaxRetries+1, attempts)
	})

	t.Run("never retries unprocessable", func(t *testing.T) {
		attempts := 0
		_, err := mw(func(*message.Message) ([]*message.Message, error) {
			attempts++
			return nil, cloudevents.Unprocessable("too large", nil)
		})(newTestMessage(`{}`))

		assert.True(t, cloudevents.IsUnprocessable(err))
		assert.Equal(t, 1, attempts)
	})
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, 16*time.Second, cfg.MaxInterval)
	assert.False(t, cfg.RetryIf(cloudevents.Unprocessable("x", nil)))
	assert.True(t, cfg.RetryIf(errors.New("x")))
}

func TestUnprocessableMiddleware(t *testing.T) {
	failing := func(*message.Message) ([]*message.Message, error) {
		return nil, cloudevents.Unprocessable("bad", nil)
	}

	t.Run("drops and counts without poison queue", func(t *testing.T) {
		logger := &recordingServiceLogger{}
		r, _ := newBareRelay(t, RelayConfig{Logger: logger})
		msg := newTestMessage(`{}`)
		msg.Metadata.Set(metadata.KeyTopic, "fx.spot")

		_, err := r.unprocessableMiddleware(failing)(msg)

		require.NoError(t, err)
		assert.Equal(t, uint64(1), r.metrics.Topic("fx.spot").Poisoned)
		assert.Equal(t, []string{"Dropping unrelayable message"}, logger.errorMessages())
	})

	t.Run("hands over to the poison queue", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{PoisonQueue: "simbus.poison"})
		_, err := r.unprocessableMiddleware(failing)(newTestMessage(`{}`))
		assert.True(t, cloudevents.IsUnprocessable(err))
	})

	t.Run("passes other errors through", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{})
		cause := errors.New("down")
		_, err := r.unprocessableMiddleware(func(*message.Message) ([]*message.Message, error) {
			return nil, cause
		})(newTestMessage(`{}`))

		assert.Equal(t, cause, err)
		assert.Empty(t, r.metrics.Snapshot().Topics)
	})
}

func TestPoisonQueueMiddleware(t *testing.T) {
	t.Run("skipped without topic", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{})
		mw, err := PoisonQueueMiddleware(nil).Builder(r)
		require.NoError(t, err)
		assert.Nil(t, mw)
	})

	t.Run("default filter poisons unprocessable only", func(t *testing.T) {
		r, pub := newBareRelay(t, RelayConfig{PoisonQueue: "simbus.poison"})
		mw, err := PoisonQueueMiddleware(nil).Builder(r)
		require.NoError(t, err)

		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, cloudevents.Unprocessable("bad", nil)
		})(newTestMessage(`{}`))
		require.NoError(t, err)
		require.Len(t, pub.Published("simbus.poison"), 1)

		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, errors.New("down")
		})(newTestMessage(`{}`))
		assert.Error(t, err)
		assert.Len(t, pub.Published("simbus.poison"), 1)
	})

	t.Run("custom filter", func(t *testing.T) {
		r, pub := newBareRelay(t, RelayConfig{PoisonQueue: "simbus.poison"})
		mw, err := PoisonQueueMiddleware(func(error) bool { return true }).Builder(r)
		require.NoError(t, err)

		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, errors.New("down")
		})(newTestMessage(`{}`))
		require.NoError(t, err)
		assert.Len(t, pub.Published("simbus.poison"), 1)
	})
}

func TestMetricsMiddleware(t *testing.T) {
	r, _ := newBareRelay(t, RelayConfig{})
	mw, err := MetricsMiddleware().Builder(r)
	require.NoError(t, err)
	assert.Nil(t, mw)

	r, _ = newBareRelay(t, RelayConfig{Registerer: prometheus.NewRegistry()})
	mw, err = MetricsMiddleware().Builder(r)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestHooksMiddleware(t *testing.T) {
	r, _ := newBareRelay(t, RelayConfig{})
	mw, err := HooksMiddleware().Builder(r)
	require.NoError(t, err)
	assert.Nil(t, mw)

	r, _ = newBareRelay(t, RelayConfig{Hooks: AlertingHooks(func(RelayContext, error) {})})
	mw, err = HooksMiddleware().Builder(r)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestRecovererMiddleware(t *testing.T) {
	_, err := RecovererMiddleware().Middleware(func(*message.Message) ([]*message.Message, error) {
		panic("boom")
	})(newTestMessage(`{}`))
	assert.Error(t, err)
}

func TestRegisterMiddleware(t *testing.T) {
	passthrough := func(h message.HandlerFunc) message.HandlerFunc { return h }

	t.Run("requires router", func(t *testing.T) {
		err := (&Relay{}).RegisterMiddleware(MiddlewareRegistration{Middleware: passthrough})
		assert.Error(t, err)
	})

	t.Run("requires middleware or builder", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{})
		assert.Error(t, r.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	})

	t.Run("invokes builder", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{})
		built := false
		err := r.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Relay) (message.HandlerMiddleware, error) {
				built = true
				return passthrough, nil
			},
		})
		require.NoError(t, err)
		assert.True(t, built)
	})

	t.Run("propagates builder error", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{})
		err := r.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Relay) (message.HandlerMiddleware, error) { return nil, errors.New("builder failed") },
		})
		assert.EqualError(t, err, "builder failed")
	})

	t.Run("skips nil middleware", func(t *testing.T) {
		r, _ := newBareRelay(t, RelayConfig{})
		err := r.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Relay) (message.HandlerMiddleware, error) { return nil, nil },
		})
		assert.NoError(t, err)
	})
}

func TestDefaultMiddlewaresOrder(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{
		"correlation_id", "log_messages", "tracer", "metrics", "hooks",
		"retry", "poison_queue", "unprocessable", "recoverer",
	}, names)
}
