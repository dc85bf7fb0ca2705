/*
Package runtime hosts the service lifecycle shared by every simbus binary and
the relay that bridges bus topics to an external broker.

# Service (service.go)

A Service runs an optional init task, one main task and any number of
background tasks. SIGINT or SIGTERM moves it to draining: the shared context
is cancelled, tasks get the grace period to return, and shutdown hooks then
run in registration order. A failing or panicking hook is logged and the
remaining hooks still run. The bus context is closed last, so every socket is
released even when a task forgot to close its own.

When MetricsPort is set the service also serves /metrics and /healthz, plus
whatever was registered with Handle.

# Relay (relay.go)

The Relay is a Watermill router. Outbound handlers read envelopes from bus
publishers and publish them to the broker as structured CloudEvents under
their topic. Inbound handlers read broker topics and republish them on the
relay's own bus publisher.

The router runs this middleware chain, outermost first:
  - CorrelationID: every message carries a correlation id
  - LogMessages: debug log per delivery, payload size only
  - Tracer: one OpenTelemetry span per delivery
  - Metrics: Watermill's Prometheus router metrics
  - Hooks: RelayHooks callbacks
  - Retry: exponential backoff for broker failures
  - PoisonQueue: unprocessable messages go to the poison topic
  - Unprocessable: counts them, and drops them when there is no poison topic
  - Recoverer: handler panics become errors

RelayMetrics keeps per-topic counters next to the Prometheus collectors, and
RelayStatusHandler serves both as JSON.

# Sub-packages

  - address/: ipc:// and tcp:// endpoint resolution
  - bus/: Publisher, Subscriber, Requester and Responder sockets
  - cloudevents/: CloudEvents mapping for relayed envelopes
  - config/: environment configuration
  - envelope/: envelope model and frame codecs
  - errors/: sentinel and typed errors
  - ids/: ULID message ids
  - jsoncodec/: JSON encoding
  - logging/: ServiceLogger and its slog and Watermill adapters
  - metadata/: envelope headers as Watermill metadata
  - metrics/: bus socket metrics
  - wire/: length-prefixed framing

# Usage

	svc, err := runtime.NewService(runtime.ServiceConfig{
		Name:   "fx_sim",
		Logger: logger,
		Init: func(ctx context.Context) error {
			pub, err = bus.OpenPublisher(ctx, addr, opts)
			return err
		},
		Main: func(ctx context.Context) error {
			return fx.Run(ctx, pub)
		},
	})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
*/
package runtime
