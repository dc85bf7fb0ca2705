package bus

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pebbe/zmq4"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/ids"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metrics"
)

var errPublisherGone = errors.New("publisher disconnected")

// Subscriber receives the envelopes a Publisher sends after the subscription
// was acknowledged. Its only read interface is the sequence returned by
// Messages, Next or All; the sequence ends, without an error, when the
// subscriber is closed, its transport context is torn down, or the publisher
// disconnects and Reconnect is off.
type Subscriber struct {
	addr     address.Address
	prefixes []string
	welcome  string
	opts     Options
	log      logging.ServiceLogger
	metrics  *metrics.BusMetrics

	out chan envelope.Envelope

	// sock and mon belong to the receive loop once Open has returned.
	sock *zmq4.Socket
	mon  *zmq4.Socket

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSubscriber connects to the publisher at addr and registers interest in
// the given topic prefixes; no prefixes means every topic. It returns once the
// publisher has acknowledged the subscription, and fails at once when nothing
// listens at addr.
func OpenSubscriber(ctx context.Context, addr address.Address, prefixes []string, opts Options) (*Subscriber, error) {
	opts = opts.withDefaults()
	s := &Subscriber{
		addr:     addr,
		prefixes: append([]string(nil), prefixes...),
		welcome:  welcomePrefix + ids.NewMessageID(),
		opts:     opts,
		log:      opts.Logger.With(logging.LogFields{"socket": "sub", "address": addr.String()}),
		metrics:  opts.Metrics,
		out:      make(chan envelope.Envelope),
		done:     make(chan struct{}),
	}

	if err := address.CheckLive(ctx, addr, handshakeTimeout); err != nil {
		return nil, s.transportErr("connect", err)
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if err := opts.Context.register(s); err != nil {
		s.closeSockets()
		return nil, s.transportErr("subscribe", err)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	s.log.Info("Subscriber connected", logging.LogFields{"prefixes": s.prefixes})
	return s, nil
}

// AwaitSubscriber is OpenSubscriber retried with backoff for at most maxWait,
// for services that may start before the publisher they read. Zero maxWait
// retries until ctx is done.
func AwaitSubscriber(ctx context.Context, addr address.Address, prefixes []string, opts Options, maxWait time.Duration) (*Subscriber, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With(logging.LogFields{"socket": "sub", "address": addr.String()})
	return backoff.Retry(ctx, func() (*Subscriber, error) {
		if opts.Context.isClosed() {
			return nil, backoff.Permanent(errspkg.ErrClosed)
		}
		return OpenSubscriber(ctx, addr, prefixes, opts)
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("Publisher not reachable yet", logging.LogFields{"error": err.Error(), "retry_in": next.String()})
		}),
	)
}

// Address returns the publisher address.
func (s *Subscriber) Address() address.Address { return s.addr }

// Messages exposes the sequence as a channel. It is closed when the sequence
// ends.
func (s *Subscriber) Messages() <-chan envelope.Envelope {
	return s.out
}

// Next blocks until the next envelope arrives. It returns false when the
// sequence has ended or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (envelope.Envelope, bool) {
	select {
	case env, ok := <-s.out:
		return env, ok
	case <-ctx.Done():
		return envelope.Envelope{}, false
	}
}

// All ranges over the sequence until it ends or ctx is done.
func (s *Subscriber) All(ctx context.Context) iter.Seq[envelope.Envelope] {
	return func(yield func(envelope.Envelope) bool) {
		for {
			env, ok := s.Next(ctx)
			if !ok || !yield(env) {
				return
			}
		}
	}
}

// Close ends the sequence and releases the socket. It is safe to call more
// than once.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.opts.Context.unregister(s)
		s.log.Debug("Subscriber closed", nil)
	})
	return nil
}

func (s *Subscriber) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscriber) transportErr(op string, err error) error {
	return &errspkg.TransportError{Op: op, Address: s.addr.String(), Err: err}
}

// connect creates the SUB socket and its monitor, subscribes and waits for
// the publisher's welcome.
func (s *Subscriber) connect(ctx context.Context) error {
	sock, err := s.opts.Context.newSocket(zmq4.SUB)
	if err != nil {
		return s.transportErr("subscribe", err)
	}
	mon, err := s.opts.Context.monitor(sock)
	if err != nil {
		_ = sock.Close()
		return s.transportErr("subscribe", err)
	}
	s.sock, s.mon = sock, mon

	if err := s.subscribe(); err != nil {
		s.closeSockets()
		return s.transportErr("subscribe", err)
	}
	if err := s.awaitWelcome(ctx); err != nil {
		s.closeSockets()
		return s.transportErr("subscribe", err)
	}
	return nil
}

func (s *Subscriber) subscribe() error {
	if err := s.sock.SetLinger(0); err != nil {
		return err
	}
	if err := s.sock.SetRcvhwm(s.opts.QueueSize); err != nil {
		return err
	}
	if err := s.sock.SetMaxmsgsize(maxMessageSize); err != nil {
		return err
	}
	prefixes := s.prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, p := range prefixes {
		if err := s.sock.SetSubscribe(p); err != nil {
			return err
		}
	}
	// Subscriptions travel in order, so the welcome confirms the prefixes too.
	if err := s.sock.SetSubscribe(s.welcome); err != nil {
		return err
	}
	return s.sock.Connect(s.addr.String())
}

func (s *Subscriber) awaitWelcome(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		parts, err := receive(ctx, s.sock, s.done, deadline)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return errors.New("no welcome from publisher")
			}
			return err
		}
		if len(parts) > 0 && string(parts[0]) == s.welcome {
			return nil
		}
	}
}

func (s *Subscriber) closeSockets() {
	_ = s.sock.Close()
	_ = s.mon.Close()
}

func (s *Subscriber) receiveLoop() {
	defer s.wg.Done()
	defer close(s.out)
	defer s.closeSockets()

	poller := zmq4.NewPoller()
	poller.Add(s.sock, zmq4.POLLIN)
	poller.Add(s.mon, zmq4.POLLIN)
	lost := false

	for !s.closing() {
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if !s.closing() {
				s.log.Error("Subscription ended", s.transportErr("receive", err), logging.LogFields{"op": "receive"})
			}
			return
		}
		for _, item := range polled {
			switch item.Socket {
			case s.mon:
				if !s.handleEvent(&lost) {
					s.drainQueued()
					return
				}
			case s.sock:
				parts, err := s.sock.RecvMessageBytes(zmq4.DONTWAIT)
				if err == nil && !s.emit(parts) {
					return
				}
			}
		}
	}
}

// handleEvent reports false when the sequence has to end.
func (s *Subscriber) handleEvent(lost *bool) bool {
	event, _, _, err := s.mon.RecvEvent(zmq4.DONTWAIT)
	if err != nil {
		return true
	}
	switch event {
	case zmq4.EVENT_DISCONNECTED:
		terr := s.transportErr("receive", errPublisherGone)
		if !s.opts.Reconnect {
			s.log.Error("Subscription ended", terr, logging.LogFields{"op": "receive"})
			return false
		}
		s.log.Error("Subscription lost, reconnecting", terr, logging.LogFields{"op": "receive"})
		*lost = true
	case zmq4.EVENT_CONNECTED:
		if *lost {
			*lost = false
			s.metrics.RecordReconnect(s.addr.String())
			s.log.Info("Subscriber reconnected", nil)
		}
	}
	return true
}

// drainQueued delivers what arrived before the publisher went away.
func (s *Subscriber) drainQueued() {
	for {
		parts, err := s.sock.RecvMessageBytes(zmq4.DONTWAIT)
		if err != nil || !s.emit(parts) {
			return
		}
	}
}

// emit decodes one message and hands it to the sequence. It reports false
// when the subscriber is closing.
func (s *Subscriber) emit(parts [][]byte) bool {
	if len(parts) > 0 && strings.HasPrefix(string(parts[0]), welcomePrefix) {
		return true
	}
	if len(parts) != 2 {
		s.dropMalformed("", &errspkg.DecodeError{Err: errors.New("expected topic and body parts")})
		return true
	}
	topic := string(parts[0])
	env, err := envelope.Decode(envelope.Frame{Topic: topic, Body: parts[1]})
	if err != nil {
		s.dropMalformed(topic, err)
		return true
	}
	s.metrics.RecordReceived(s.addr.String(), env.Topic)
	select {
	case s.out <- env:
		return true
	case <-s.done:
		return false
	}
}

func (s *Subscriber) dropMalformed(topic string, err error) {
	s.metrics.RecordDecodeError(s.addr.String())
	s.log.Error("Dropped malformed message", err, logging.LogFields{"topic": topic, "op": "decode"})
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}
