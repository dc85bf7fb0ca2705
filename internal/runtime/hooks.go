package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/simbus/internal/runtime/logging"
)

// RelayContext describes one message passing through the relay router.
type RelayContext struct {
	// HandlerName is the router handler, e.g. relay_md.sock_prices.
	HandlerName string
	// Topic is the topic the message was consumed from: a bus prefix for
	// outbound handlers and a broker topic for inbound ones.
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// RelayHooks observe the relay handlers. Every hook is optional.
type RelayHooks struct {
	OnStart func(ctx RelayContext)
	OnDone  func(ctx RelayContext)
	OnError func(ctx RelayContext, err error)
}

// Merge returns hooks that call h first, then other.
func (h RelayHooks) Merge(other RelayHooks) RelayHooks {
	return RelayHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func (h RelayHooks) empty() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

func chainHooks(a, b func(RelayContext)) func(RelayContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RelayContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RelayContext, error)) func(RelayContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RelayContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func relayHooksMiddleware(hooks RelayHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			rc := RelayContext{
				HandlerName: message.HandlerNameFromCtx(ctx),
				Topic:       message.SubscribeTopicFromCtx(ctx),
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     ctx,
				StartedAt:   time.Now(),
			}

			if hooks.OnStart != nil {
				hooks.OnStart(rc)
			}

			msgs, err := h(msg)

			rc.Duration = time.Since(rc.StartedAt)
			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(rc, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(rc)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs completions at debug and failures at error level.
func LoggingHooks(logger logging.ServiceLogger) RelayHooks {
	return RelayHooks{
		OnDone: func(ctx RelayContext) {
			logger.Debug("Message relayed", logging.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx RelayContext, err error) {
			logger.Error("Relay failed", err, logging.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks calls alert for every failed attempt.
func AlertingHooks(alert func(ctx RelayContext, err error)) RelayHooks {
	return RelayHooks{OnError: alert}
}
