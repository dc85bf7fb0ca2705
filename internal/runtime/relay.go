package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/bus"
	"github.com/drblury/simbus/internal/runtime/cloudevents"
	"github.com/drblury/simbus/internal/runtime/config"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metadata"
	"github.com/drblury/simbus/transport"
)

// DefaultRelayCloseTimeout bounds how long the router waits for in-flight
// handlers on shutdown.
const DefaultRelayCloseTimeout = 5 * time.Second

var errRelayStarted = errors.New("relay already started or closed")

// RelayConfig describes what a Relay bridges.
type RelayConfig struct {
	// Name is the CloudEvents source of outbound events.
	Name string
	// Sources are the bus publishers to read from.
	Sources []address.Address
	// Topics are the bus topic prefixes to relay. Empty relays everything.
	Topics []string
	// InboundTopics are broker topics republished on InboundAddress under the
	// same topic name.
	InboundTopics  []string
	InboundAddress address.Address
	// PoisonQueue is the broker topic unprocessable messages go to. Empty
	// means they are logged and dropped.
	PoisonQueue  string
	Retry        RetryMiddlewareConfig
	CloseTimeout time.Duration
	// Registerer enables router and relay metrics when set.
	Registerer prometheus.Registerer
	Hooks      RelayHooks
	// Bus configures the bus sockets the relay opens. Reconnect is always
	// enabled for sources.
	Bus    bus.Options
	Logger logging.ServiceLogger
}

// NewRelayConfig maps the environment configuration onto a RelayConfig.
func NewRelayConfig(c *config.Config, name string, logger logging.ServiceLogger) (RelayConfig, error) {
	sources, err := c.RelaySourceAddresses()
	if err != nil {
		return RelayConfig{}, err
	}
	rc := RelayConfig{
		Name:          name,
		Sources:       sources,
		Topics:        c.RelayTopics,
		InboundTopics: c.RelayInboundTopics,
		PoisonQueue:   c.PoisonQueue,
		Retry: RetryMiddlewareConfig{
			MaxRetries:      c.RetryMaxRetries,
			InitialInterval: c.RetryInitialInterval,
			MaxInterval:     c.RetryMaxInterval,
		},
		CloseTimeout: c.DrainGrace,
		Bus:          c.SocketOptions(logger),
		Logger:       logger,
	}
	if len(rc.InboundTopics) > 0 {
		rc.InboundAddress, err = c.RelayInboundAddress()
		if err != nil {
			return RelayConfig{}, err
		}
	}
	return rc, nil
}

// Relay bridges bus topics and an external broker through a Watermill
// router. Outbound, every envelope read from a source is published to the
// broker as a structured CloudEvent under its topic. Inbound, every broker
// message on an inbound topic is republished on the relay's own bus
// publisher.
type Relay struct {
	cfg       RelayConfig
	log       logging.ServiceLogger
	wmLogger  watermill.LoggerAdapter
	transport transport.Transport
	caps      transport.Capabilities
	router    *message.Router
	metrics   *RelayMetrics

	sources []*bus.WatermillSubscriber
	inbound *bus.WatermillPublisher

	running atomic.Bool
	// started is claimed by the first of Run and Close. Only a started
	// router is closed through the router; an unstarted one would wait out
	// CloseTimeout for a Run that never comes.
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewRelay wires the router. The relay owns tr from here on and closes it in
// Close, also when NewRelay fails.
func NewRelay(ctx context.Context, cfg RelayConfig, tr transport.Transport, caps transport.Capabilities) (_ *Relay, err error) {
	if cfg.Logger == nil {
		_ = tr.Close()
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultRelayCloseTimeout
	}
	cfg.Bus.Reconnect = true
	if cfg.Bus.Logger == nil {
		cfg.Bus.Logger = cfg.Logger
	}

	r := &Relay{
		cfg:       cfg,
		log:       cfg.Logger.With(logging.LogFields{"component": "relay", "broker": caps.Name}),
		transport: tr,
		caps:      caps,
	}
	r.wmLogger = logging.NewWatermillAdapter(r.log)
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if err := r.validate(); err != nil {
		return nil, err
	}

	r.router, err = message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, r.wmLogger)
	if err != nil {
		return nil, err
	}

	if cfg.Registerer != nil {
		r.metrics = NewRelayMetrics(cfg.Registerer)
		if err := r.metrics.Register(); err != nil {
			return nil, err
		}
	}

	for _, reg := range DefaultMiddlewares() {
		if err := r.RegisterMiddleware(reg); err != nil {
			return nil, fmt.Errorf("middleware %s: %w", reg.Name, err)
		}
	}

	r.addOutboundHandlers()
	if len(cfg.InboundTopics) > 0 {
		if err := r.addInboundHandlers(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Relay) validate() error {
	var errs []error
	if r.cfg.Name == "" {
		errs = append(errs, fmt.Errorf("relay name: %w", errspkg.ErrConfigRequired))
	}
	if r.transport.Publisher == nil {
		errs = append(errs, errors.New("broker publisher is required"))
	}
	if len(r.cfg.Sources) == 0 && len(r.cfg.InboundTopics) == 0 {
		errs = append(errs, errors.New("relay needs at least one source or inbound topic"))
	}
	if len(r.cfg.InboundTopics) > 0 {
		if !r.caps.SupportsInbound {
			errs = append(errs, fmt.Errorf("broker %q cannot deliver inbound messages", r.caps.Name))
		} else if r.transport.Subscriber == nil {
			errs = append(errs, errors.New("inbound topics need a broker subscriber"))
		}
		if r.cfg.InboundAddress.Target == "" {
			errs = append(errs, errspkg.ErrAddressRequired)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errspkg.NewConfigValidationError(err)
	}
	return nil
}

func (r *Relay) addOutboundHandlers() {
	prefixes := r.cfg.Topics
	if len(prefixes) == 0 {
		prefixes = []string{"*"}
	}
	for i, src := range r.cfg.Sources {
		sub := bus.NewWatermillSubscriber(src, r.cfg.Bus)
		r.sources = append(r.sources, sub)
		for _, prefix := range prefixes {
			name := handlerName("relay", strconv.Itoa(i), filepath.Base(src.Target), prefix)
			r.router.AddNoPublisherHandler(name, prefix, sub, r.outbound(src))
		}
	}
}

func (r *Relay) addInboundHandlers(ctx context.Context) error {
	pub, err := bus.OpenPublisher(ctx, r.cfg.InboundAddress, r.cfg.Bus)
	if err != nil {
		return err
	}
	r.inbound = bus.NewWatermillPublisher(pub)
	for _, topic := range r.cfg.InboundTopics {
		name := handlerName("inbound", topic)
		r.router.AddHandler(name, topic, r.transport.Subscriber, topic, r.inbound, r.inboundHandler(topic))
	}
	return nil
}

func handlerName(parts ...string) string {
	return strings.Join(parts, "_")
}

// outbound turns a bus message into a CloudEvent on the broker.
func (r *Relay) outbound(src address.Address) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := bus.FromMessage(msg, "")
		if err != nil {
			return cloudevents.Unprocessable("malformed bus message", err)
		}

		out, err := cloudevents.ToMessage(cloudevents.FromEnvelope(env, r.cfg.Name))
		if err != nil {
			return err
		}
		if !r.caps.Fits(len(out.Payload)) {
			return cloudevents.Unprocessable(
				fmt.Sprintf("%d bytes exceed the %s limit of %d", len(out.Payload), r.caps.Name, r.caps.MaxMessageSize), nil)
		}
		out.Metadata.Set(metadata.KeyCorrelationID, msg.Metadata.Get(metadata.KeyCorrelationID))
		out.Metadata.Set(metadata.KeyTopic, env.Topic)
		out.Metadata.Set(metadata.KeySource, src.String())
		out.SetContext(msg.Context())

		if err := r.transport.Publisher.Publish(env.Topic, out); err != nil {
			r.metrics.RecordFailed(DirectionOutbound, env.Topic)
			return &errspkg.TransportError{Op: "relay", Address: r.caps.Name, Err: err}
		}
		r.metrics.RecordRelayed(DirectionOutbound, env.Topic, env.Timestamp)
		return nil
	}
}

// inboundHandler turns a broker message into a bus message. The router
// publishes the result through the relay's bus publisher.
func (r *Relay) inboundHandler(topic string) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		evt, err := cloudevents.FromMessage(msg, topic)
		if err != nil {
			return nil, err
		}
		env, err := cloudevents.ToEnvelope(evt)
		if err != nil {
			return nil, err
		}
		out, err := bus.ToMessage(env)
		if err != nil {
			return nil, cloudevents.Unprocessable("payload is not serializable", err)
		}
		out.SetContext(msg.Context())
		r.metrics.RecordRelayed(DirectionInbound, topic, evt.Time)
		return []*message.Message{out}, nil
	}
}

// Run blocks until ctx is done or the router stops. Brokers that need an
// explicit start, such as the HTTP subscriber, are started once the router
// is running.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errRelayStarted
	}
	starter, _ := r.transport.Subscriber.(transport.Starter)
	go func() {
		select {
		case <-r.router.Running():
			r.running.Store(true)
			if starter != nil && len(r.cfg.InboundTopics) > 0 {
				starter.Start()
			}
		case <-ctx.Done():
		}
	}()
	defer r.running.Store(false)

	r.log.Info("Relay starting", logging.LogFields{
		"sources":        len(r.cfg.Sources),
		"topics":         r.cfg.Topics,
		"inbound_topics": r.cfg.InboundTopics,
	})
	if err := r.router.Run(ctx); err != nil {
		return fmt.Errorf("relay router: %w", err)
	}
	return nil
}

// Running is closed once every handler is subscribed.
func (r *Relay) Running() chan struct{} {
	return r.router.Running()
}

// Metrics returns nil when the relay has no registerer.
func (r *Relay) Metrics() *RelayMetrics {
	return r.metrics
}

// Close stops the router and releases every socket and the broker. A relay
// closed before Run cannot be run any more. It is safe to call more than
// once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.router != nil && !r.started.CompareAndSwap(false, true) {
			errs = append(errs, r.router.Close())
		}
		for _, src := range r.sources {
			errs = append(errs, src.Close())
		}
		if r.inbound != nil {
			errs = append(errs, r.inbound.Close())
		}
		errs = append(errs, r.transport.Close())
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
