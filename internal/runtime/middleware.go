package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/simbus/internal/runtime/cloudevents"
	idspkg "github.com/drblury/simbus/internal/runtime/ids"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware for the given relay. A nil
// middleware with a nil error means "not applicable" and is skipped.
type MiddlewareBuilder func(*Relay) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to the relay
// router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf defaults to retrying everything except unprocessable messages.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return !cloudevents.IsUnprocessable(err) }
	}
	return cfg
}

// DefaultMiddlewares returns the chain every relay router runs, outermost
// first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		HooksMiddleware(),
		RetryMiddleware(),
		PoisonQueueMiddleware(nil),
		UnprocessableMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware gives every message a correlation id and copies it
// onto the messages the handler produces.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		cid := middleware.MessageCorrelationID(msg)
		if cid == "" {
			cid = idspkg.NewMessageID()
			middleware.SetCorrelationID(cid, msg)
		}

		produced, err := h(msg)
		for _, out := range produced {
			if middleware.MessageCorrelationID(out) == "" {
				middleware.SetCorrelationID(cid, out)
			}
		}
		return produced, err
	}
}

// LogMessagesMiddleware logs every handled message at debug level. Payloads
// are summarized by size only.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(r *Relay) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = r.log
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", logging.LogFields{
				"message_uuid":  msg.UUID,
				"handler":       message.HandlerNameFromCtx(msg.Context()),
				"payload_bytes": len(msg.Payload),
				"metadata":      msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps each delivery in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		handler := message.HandlerNameFromCtx(msg.Context())
		ctx, span := otel.Tracer("simbus/relay").Start(msg.Context(), "relay "+handler)
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("simbus.handler", handler),
			attribute.String("simbus.topic", msg.Metadata.Get(metadata.KeyTopic)),
			attribute.String("simbus.correlation_id", msg.Metadata.Get(metadata.KeyCorrelationID)),
		)

		produced, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return produced, err
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics. It is skipped
// when the relay has no registerer.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(r *Relay) (message.HandlerMiddleware, error) {
			if r.cfg.Registerer == nil {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(r.cfg.Registerer, "simbus", "relay_"+r.caps.Name)
			builder.AddPrometheusRouterMetrics(r.router)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// HooksMiddleware runs the relay's configured hooks around each delivery.
func HooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "hooks",
		Builder: func(r *Relay) (message.HandlerMiddleware, error) {
			if r.cfg.Hooks.empty() {
				return nil, nil
			}
			return relayHooksMiddleware(r.cfg.Hooks), nil
		},
	}
}

// RetryMiddleware retries failed attempts with exponential backoff, using the
// relay's retry settings.
func RetryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(r *Relay) (message.HandlerMiddleware, error) {
			return retryMiddleware(r.cfg.Retry, r.wmLogger), nil
		},
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return normalized.RetryIf(params.Err)
		},
		Logger: logger,
	}.Middleware
}

// PoisonQueueMiddleware publishes messages matching filter to the relay's
// poison topic on the broker and acks them. It is skipped when no poison
// topic is configured. The default filter matches unprocessable messages.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(r *Relay) (message.HandlerMiddleware, error) {
			if r.cfg.PoisonQueue == "" {
				return nil, nil
			}
			f := filter
			if f == nil {
				f = cloudevents.IsUnprocessable
			}
			return middleware.PoisonQueueWithFilter(r.transport.Publisher, r.cfg.PoisonQueue, f)
		},
	}
}

// UnprocessableMiddleware counts unprocessable messages. Without a poison
// topic it logs and acks them.
func UnprocessableMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "unprocessable",
		Builder: func(r *Relay) (message.HandlerMiddleware, error) {
			return r.unprocessableMiddleware, nil
		},
	}
}

func (r *Relay) unprocessableMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err == nil || !cloudevents.IsUnprocessable(err) {
			return produced, err
		}

		topic := msg.Metadata.Get(metadata.KeyTopic)
		if topic == "" {
			topic = message.SubscribeTopicFromCtx(msg.Context())
		}
		r.metrics.RecordPoisoned(topic)

		if r.cfg.PoisonQueue != "" {
			return nil, err
		}
		r.log.Error("Dropping unrelayable message", err, logging.LogFields{
			"message_uuid": msg.UUID,
			"topic":        topic,
			"handler":      message.HandlerNameFromCtx(msg.Context()),
		})
		return nil, nil
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware adds a middleware to the relay router. It must be called
// before Run.
func (r *Relay) RegisterMiddleware(reg MiddlewareRegistration) error {
	if r.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(r)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	r.router.AddMiddleware(mw)
	return nil
}
