package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metrics"
)

// subscriptionPoll is how often a Publisher looks for subscribers coming and
// going.
const subscriptionPoll = 5 * time.Millisecond

// Publisher broadcasts envelopes to every subscriber connected at the time of
// the send. It never blocks on a slow subscriber and keeps no history.
//
// The socket is a ZeroMQ XPUB so that the publisher sees each Subscriber's
// welcome subscription, answers it and counts attached subscribers.
type Publisher struct {
	addr    address.Address
	codec   *envelope.Codec
	opts    Options
	log     logging.ServiceLogger
	metrics *metrics.BusMetrics

	// mu serializes use of sock, which ZeroMQ does not allow concurrently.
	mu          sync.Mutex
	sock        *zmq4.Socket
	closed      bool
	subscribers map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenPublisher binds addr. Parent directories of local addresses are created
// and a stale socket file is replaced; a live one fails with BindError.
func OpenPublisher(ctx context.Context, addr address.Address, opts Options) (*Publisher, error) {
	opts = opts.withDefaults()
	codec, err := envelope.NewCodec(opts.Format)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sock, err := opts.Context.newSocket(zmq4.XPUB)
	if err != nil {
		return nil, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	bound, err := setupPublisher(sock, addr, opts)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	p := &Publisher{
		addr:        bound,
		codec:       codec,
		opts:        opts,
		log:         opts.Logger.With(logging.LogFields{"socket": "pub", "address": bound.String()}),
		metrics:     opts.Metrics,
		sock:        sock,
		subscribers: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	if err := opts.Context.register(p); err != nil {
		_ = sock.Close()
		return nil, &errspkg.BindError{Address: addr.String(), Err: err}
	}

	p.wg.Add(1)
	go p.watchSubscriptions()

	p.log.Info("Publisher bound", nil)
	return p, nil
}

func setupPublisher(sock *zmq4.Socket, addr address.Address, opts Options) (address.Address, error) {
	if err := sock.SetLinger(opts.Linger); err != nil {
		return addr, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	if err := sock.SetSndhwm(opts.QueueSize); err != nil {
		return addr, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	return bind(sock, addr)
}

// Address returns the bound address.
func (p *Publisher) Address() address.Address { return p.addr }

// Subscribers reports how many subscribers are attached.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Send publishes payload under topic with schema version 1.
func (p *Publisher) Send(topic string, payload envelope.Payload) error {
	return p.SendContext(context.Background(), topic, payload, 1)
}

// SendVersion publishes payload under topic with the given schema version.
func (p *Publisher) SendVersion(topic string, payload envelope.Payload, version int) error {
	return p.SendContext(context.Background(), topic, payload, version)
}

// SendContext encodes the envelope and hands it to every matching
// subscriber. A SerializationError is always returned, as is sending on a
// closed publisher; other delivery failures are handled according to the
// ErrorPolicy.
func (p *Publisher) SendContext(ctx context.Context, topic string, payload envelope.Payload, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := p.codec.Encode(topic, payload, version)
	if err != nil {
		return err
	}
	return p.SendFrame(frame)
}

// SendFrame broadcasts an already encoded frame.
func (p *Publisher) SendFrame(frame envelope.Frame) error {
	if len(frame.Body) > MaxFrameSize {
		return frameTooLarge(len(frame.Body))
	}
	return p.send(frame.Topic, frame.Body)
}

func (p *Publisher) send(topic string, parts ...[]byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &errspkg.TransportError{Op: "send", Address: p.addr.String(), Err: errspkg.ErrClosed}
	}
	msg := make([]any, 0, len(parts)+1)
	msg = append(msg, topic)
	for _, part := range parts {
		msg = append(msg, part)
	}
	_, err := p.sock.SendMessageDontwait(msg...)
	p.mu.Unlock()

	if err != nil {
		reason := metrics.ReasonSendError
		if isAgain(err) {
			reason = metrics.ReasonQueueFull
		}
		p.metrics.RecordDropped(p.addr.String(), reason)
		return p.failed(topic, &errspkg.TransportError{Op: "send", Address: p.addr.String(), Err: err})
	}
	p.metrics.RecordSent(p.addr.String(), topic)
	p.log.Trace("Envelope sent", logging.LogFields{"topic": topic})
	return nil
}

func (p *Publisher) failed(topic string, err error) error {
	switch p.opts.ErrorPolicy {
	case PolicyReturn:
		return err
	case PolicySwallow:
		p.log.Debug("Send failed", logging.LogFields{"topic": topic, "error": err.Error(), "op": "send"})
	default:
		p.log.Error("Send failed", err, logging.LogFields{"topic": topic, "op": "send"})
	}
	return nil
}

// Close releases the socket. Frames still queued get Options.Linger to drain.
// It is safe to call more than once.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.mu.Lock()
		p.closed = true
		attached := len(p.subscribers)
		clear(p.subscribers)
		err = p.sock.Close()
		p.mu.Unlock()
		awaitRelease(p.addr)

		p.metrics.AddSubscribers(p.addr.String(), -attached)
		p.opts.Context.unregister(p)
		p.log.Info("Publisher closed", nil)
	})
	return err
}

func (p *Publisher) watchSubscriptions() {
	defer p.wg.Done()
	ticker := time.NewTicker(subscriptionPoll)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		for p.nextSubscription() {
		}
	}
}

// nextSubscription handles one queued subscription change. It reports whether
// there was one.
func (p *Publisher) nextSubscription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	msg, err := p.sock.RecvBytes(zmq4.DONTWAIT)
	if err != nil {
		if !isAgain(err) {
			p.log.Debug("Reading subscriptions failed", logging.LogFields{"error": err.Error()})
		}
		return false
	}
	if len(msg) == 0 {
		return true
	}
	topic := string(msg[1:])
	if !strings.HasPrefix(topic, welcomePrefix) {
		return true
	}

	_, known := p.subscribers[topic]
	switch {
	case msg[0] == 1 && !known:
		p.subscribers[topic] = struct{}{}
		if _, err := p.sock.SendMessageDontwait(topic, ""); err != nil {
			p.log.Debug("Welcome failed", logging.LogFields{"error": err.Error()})
		}
		p.metrics.AddSubscribers(p.addr.String(), 1)
		p.log.Debug("Subscriber attached", logging.LogFields{"subscribers": len(p.subscribers)})
	case msg[0] == 0 && known:
		delete(p.subscribers, topic)
		p.metrics.AddSubscribers(p.addr.String(), -1)
		p.log.Debug("Subscriber detached", logging.LogFields{"subscribers": len(p.subscribers)})
	}
	return true
}
