package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/jsoncodec"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metadata"
)

// ToMessage turns an envelope into a Watermill message whose payload is the
// JSON encoded envelope payload and whose metadata carries the header.
func ToMessage(env envelope.Envelope) (*message.Message, error) {
	body, err := jsoncodec.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(env.ID, body)
	msg.Metadata = metadata.ToWatermill(metadata.FromEnvelope(env))
	return msg, nil
}

// FromMessage is the inverse of ToMessage. The topic falls back to fallback
// when the message carries no topic header.
func FromMessage(msg *message.Message, fallback string) (envelope.Envelope, error) {
	payload, err := jsoncodec.UnmarshalObject(msg.Payload)
	if err != nil {
		return envelope.Envelope{}, &errspkg.DecodeError{Topic: fallback, Err: err}
	}
	md := metadata.FromWatermill(msg.Metadata)
	topic := md[metadata.KeyTopic]
	if topic == "" {
		topic = fallback
	}
	if topic == "" {
		return envelope.Envelope{}, &errspkg.DecodeError{Err: errspkg.ErrTopicRequired}
	}
	return envelope.Envelope{
		ID:            msg.UUID,
		Topic:         topic,
		Timestamp:     md.Timestamp(),
		Version:       md.Version(),
		CorrelationID: md[metadata.KeyCorrelationID],
		Payload:       payload,
	}, nil
}

// WatermillSubscriber adapts a bus publisher address to message.Subscriber.
// Each Subscribe opens one bus Subscriber; the topic is used as a prefix, and
// "" or "*" receive everything. With Options.Reconnect, Subscribe returns at
// once and the subscription is established in the background.
type WatermillSubscriber struct {
	addr address.Address
	opts Options
	log  logging.ServiceLogger

	mu     sync.Mutex
	subs   []*Subscriber
	closed bool
}

func NewWatermillSubscriber(addr address.Address, opts Options) *WatermillSubscriber {
	opts = opts.withDefaults()
	return &WatermillSubscriber{
		addr: addr,
		opts: opts,
		log:  opts.Logger.With(logging.LogFields{"socket": "watermill_sub", "address": addr.String()}),
	}
}

func (w *WatermillSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	var prefixes []string
	if topic != "" && topic != "*" {
		prefixes = []string{topic}
	}

	if w.isClosed() {
		return nil, &errspkg.TransportError{Op: "subscribe", Address: w.addr.String(), Err: errspkg.ErrClosed}
	}

	out := make(chan *message.Message)
	if w.opts.Reconnect {
		go func() {
			sub, err := w.dial(ctx, prefixes)
			if err != nil {
				close(out)
				return
			}
			w.forward(ctx, sub, out)
		}()
		return out, nil
	}

	sub, err := OpenSubscriber(ctx, w.addr, prefixes, w.opts)
	if err != nil {
		return nil, err
	}
	if err := w.track(sub); err != nil {
		return nil, err
	}
	go w.forward(ctx, sub, out)
	return out, nil
}

// dial keeps trying to open a subscription until it succeeds, ctx ends or the
// adapter is closed. It lets a relay start before the publishers it reads.
func (w *WatermillSubscriber) dial(ctx context.Context, prefixes []string) (*Subscriber, error) {
	sub, err := backoff.Retry(ctx, func() (*Subscriber, error) {
		if w.isClosed() || w.opts.Context.isClosed() {
			return nil, backoff.Permanent(errspkg.ErrClosed)
		}
		sub, err := OpenSubscriber(ctx, w.addr, prefixes, w.opts)
		if err != nil {
			return nil, err
		}
		if err := w.track(sub); err != nil {
			return nil, backoff.Permanent(err)
		}
		return sub, nil
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Debug("Publisher not reachable yet", logging.LogFields{"error": err.Error(), "retry_in": next.String()})
		}),
	)
	if err != nil {
		w.log.Debug("Subscription abandoned", logging.LogFields{"error": err.Error()})
		return nil, err
	}
	return sub, nil
}

func (w *WatermillSubscriber) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// track records sub for Close, closing it instead when the adapter is already
// closed.
func (w *WatermillSubscriber) track(sub *Subscriber) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		_ = sub.Close()
		return &errspkg.TransportError{Op: "subscribe", Address: w.addr.String(), Err: errspkg.ErrClosed}
	}
	w.subs = append(w.subs, sub)
	return nil
}

// forward hands messages to the router one at a time and redelivers on nack.
func (w *WatermillSubscriber) forward(ctx context.Context, sub *Subscriber, out chan<- *message.Message) {
	defer close(out)
	for env := range sub.All(ctx) {
		msg, err := ToMessage(env)
		if err != nil {
			w.log.Error("Cannot convert envelope", err, logging.LogFields{"topic": env.Topic})
			continue
		}
		if !deliver(ctx, msg, out) {
			return
		}
	}
}

// deliver blocks until msg is acked, redelivering a copy after every nack. It
// returns false when ctx ends first.
func deliver(ctx context.Context, msg *message.Message, out chan<- *message.Message) bool {
	for {
		delivery := msg.Copy()
		delivery.SetContext(ctx)
		select {
		case out <- delivery:
		case <-ctx.Done():
			return false
		}
		select {
		case <-delivery.Acked():
			return true
		case <-delivery.Nacked():
		case <-ctx.Done():
			return false
		}
	}
}

func (w *WatermillSubscriber) Close() error {
	w.mu.Lock()
	w.closed = true
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// WatermillPublisher adapts a bus Publisher to message.Publisher. Message
// payloads must be JSON objects; the schema version is read from metadata.
type WatermillPublisher struct {
	pub *Publisher
}

func NewWatermillPublisher(pub *Publisher) *WatermillPublisher {
	return &WatermillPublisher{pub: pub}
}

func (w *WatermillPublisher) Publish(topic string, messages ...*message.Message) error {
	topic = strings.TrimSpace(topic)
	for _, msg := range messages {
		payload, err := jsoncodec.UnmarshalObject(msg.Payload)
		if err != nil {
			return err
		}
		md := metadata.FromWatermill(msg.Metadata)
		if err := w.pub.SendContext(msg.Context(), topic, payload, md.Version()); err != nil {
			return err
		}
	}
	return nil
}

func (w *WatermillPublisher) Close() error {
	return w.pub.Close()
}
