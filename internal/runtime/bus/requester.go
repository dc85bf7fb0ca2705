package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pebbe/zmq4"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metrics"
)

var errNoResponder = errors.New("no responder connected")

// Requester issues requests to a Responder over a ZeroMQ REQ socket. It is
// safe for concurrent use; calls are served one at a time in arrival order
// because the exchange allows a single outstanding request.
//
// The socket is relaxed and correlating, so a call that timed out does not
// wedge the next one and a late reply is never mistaken for a newer one.
type Requester struct {
	addr    address.Address
	codec   *envelope.Codec
	opts    Options
	log     logging.ServiceLogger
	metrics *metrics.BusMetrics

	// turn is a one-slot semaphore guarding sock. Unlike a mutex it can be
	// acquired with a deadline.
	turn chan struct{}
	sock *zmq4.Socket

	life      context.Context
	kill      context.CancelFunc
	closeOnce sync.Once
}

// redialWindow bounds how long a call waits for a responder to be connected.
var redialWindow = 5 * time.Second

// OpenRequester prepares a requester for addr. ZeroMQ connects in the
// background, so the responder may start later.
func OpenRequester(ctx context.Context, addr address.Address, opts Options) (*Requester, error) {
	opts = opts.withDefaults()
	codec, err := envelope.NewCodec(opts.Format)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sock, err := opts.Context.newSocket(zmq4.REQ)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "connect", Address: addr.String(), Err: err}
	}
	if err := setupRequester(sock, addr, opts); err != nil {
		_ = sock.Close()
		return nil, &errspkg.TransportError{Op: "connect", Address: addr.String(), Err: err}
	}

	life, kill := context.WithCancel(context.Background())
	r := &Requester{
		addr:    addr,
		codec:   codec,
		opts:    opts,
		log:     opts.Logger.With(logging.LogFields{"socket": "req", "address": addr.String()}),
		metrics: opts.Metrics,
		turn:    make(chan struct{}, 1),
		sock:    sock,
		life:    life,
		kill:    kill,
	}
	if err := opts.Context.register(r); err != nil {
		kill()
		_ = sock.Close()
		return nil, &errspkg.TransportError{Op: "connect", Address: addr.String(), Err: err}
	}
	return r, nil
}

func setupRequester(sock *zmq4.Socket, addr address.Address, opts Options) error {
	if err := sock.SetLinger(opts.Linger); err != nil {
		return err
	}
	// Sends fail with EAGAIN instead of queueing while no responder is
	// connected.
	if err := sock.SetImmediate(true); err != nil {
		return err
	}
	if err := sock.SetReqRelaxed(1); err != nil {
		return err
	}
	if err := sock.SetReqCorrelate(1); err != nil {
		return err
	}
	if err := sock.SetMaxmsgsize(maxMessageSize); err != nil {
		return err
	}
	return sock.Connect(addr.String())
}

// Address returns the responder address.
func (r *Requester) Address() address.Address { return r.addr }

// SendAndReceive sends payload and waits for the matching reply. A positive
// timeout bounds the whole call, including the wait for earlier callers;
// zero falls back to Options.RequestTimeout. Expiry yields a TimeoutError, a
// broken exchange a TransportError, and cancellation of ctx returns ctx.Err().
func (r *Requester) SendAndReceive(ctx context.Context, payload envelope.Payload, timeout time.Duration) (envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = r.opts.RequestTimeout
	}
	start := time.Now()

	parent := ctx
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	reply, err := r.exchange(ctx, payload, deadline)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !deadline.IsZero() && parent.Err() == nil {
		err = &errspkg.TimeoutError{Op: "send_and_receive", Address: r.addr.String(), After: timeout}
	}

	switch {
	case err == nil:
		r.metrics.ObserveRequest(r.addr.String(), metrics.OutcomeOK, time.Since(start))
	case errors.Is(err, errspkg.ErrTimeout):
		r.metrics.ObserveRequest(r.addr.String(), metrics.OutcomeTimeout, time.Since(start))
		r.log.Error("Request timed out", err, logging.LogFields{"op": "send_and_receive"})
	case errors.Is(err, errspkg.ErrTransport):
		r.metrics.ObserveRequest(r.addr.String(), metrics.OutcomeTransport, time.Since(start))
		r.log.Error("Request failed", err, logging.LogFields{"op": "send_and_receive"})
	}
	return reply, err
}

func (r *Requester) exchange(ctx context.Context, payload envelope.Payload, deadline time.Time) (envelope.Envelope, error) {
	req, err := r.codec.Build(TopicRequest, payload, 1)
	if err != nil {
		return envelope.Envelope{}, err
	}
	frame, err := r.codec.Marshal(req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if len(frame.Body) > MaxFrameSize {
		return envelope.Envelope{}, frameTooLarge(len(frame.Body))
	}

	select {
	case r.turn <- struct{}{}:
	case <-r.life.Done():
		return envelope.Envelope{}, r.transportErr("send", errspkg.ErrClosed)
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
	defer func() { <-r.turn }()

	if r.isClosed() {
		return envelope.Envelope{}, r.transportErr("send", errspkg.ErrClosed)
	}

	if err := r.send(ctx, frame); err != nil {
		return envelope.Envelope{}, err
	}

	parts, err := receive(ctx, r.sock, r.life.Done(), deadline)
	if err != nil {
		switch {
		case errors.Is(err, errspkg.ErrClosed):
			return envelope.Envelope{}, r.transportErr("receive", err)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return envelope.Envelope{}, err
		}
		return envelope.Envelope{}, r.transportErr("receive", err)
	}
	if len(parts) != 2 {
		return envelope.Envelope{}, r.transportErr("receive", fmt.Errorf("reply has %d parts", len(parts)))
	}
	reply, err := envelope.Decode(envelope.Frame{Topic: string(parts[0]), Body: parts[1]})
	if err != nil {
		return envelope.Envelope{}, r.transportErr("receive", err)
	}
	if reply.CorrelationID != req.ID {
		return envelope.Envelope{}, r.transportErr("receive", fmt.Errorf("reply correlates to %q, expected %q", reply.CorrelationID, req.ID))
	}
	return reply, nil
}

// send hands the request to ZeroMQ, retrying with backoff while no responder
// is connected, for at most redialWindow.
func (r *Requester) send(ctx context.Context, frame envelope.Frame) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.life, cancel)
	defer stop()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		_, err := r.sock.SendMessageDontwait(frame.Topic, frame.Body)
		if err != nil && !isAgain(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(redialWindow),
	)
	switch {
	case err == nil:
		if attempts > 1 {
			r.metrics.RecordReconnect(r.addr.String())
		}
		r.metrics.RecordSent(r.addr.String(), frame.Topic)
		return nil
	case r.isClosed():
		return r.transportErr("send", errspkg.ErrClosed)
	case ctx.Err() != nil:
		return ctx.Err()
	case isAgain(err):
		return r.transportErr("send", errNoResponder)
	default:
		return r.transportErr("send", err)
	}
}

func (r *Requester) transportErr(op string, err error) error {
	return &errspkg.TransportError{Op: op, Address: r.addr.String(), Err: err}
}

func (r *Requester) isClosed() bool {
	return r.life.Err() != nil
}

// Close releases the socket. A call in flight fails with a TransportError.
// It is safe to call more than once.
func (r *Requester) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.kill()
		// The caller holding the turn notices within pollInterval.
		r.turn <- struct{}{}
		err = r.sock.Close()
		r.opts.Context.unregister(r)
	})
	return err
}
