package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metrics"
)

// ErrNoPendingRequest is returned by Send when no request is waiting for a
// reply.
var ErrNoPendingRequest = errors.New("simbus: send without a pending request")

var errUnanswered = errors.New("receive before the previous request was answered")

// Responder serves requests from any number of Requesters, one at a time in
// arrival order, over a ZeroMQ REP socket.
//
// Receive and Send strictly alternate: every Receive must be followed by
// exactly one Send before the next Receive. A Receive that finds the previous
// request unanswered answers it with an error reply first.
type Responder struct {
	addr    address.Address
	codec   *envelope.Codec
	opts    Options
	log     logging.ServiceLogger
	metrics *metrics.BusMetrics

	// mu serializes use of sock between Receive, Send and Close.
	mu      sync.Mutex
	sock    *zmq4.Socket
	pending *envelope.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// OpenResponder binds addr with the same directory and stale-file handling as
// OpenPublisher.
func OpenResponder(ctx context.Context, addr address.Address, opts Options) (*Responder, error) {
	opts = opts.withDefaults()
	codec, err := envelope.NewCodec(opts.Format)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sock, err := opts.Context.newSocket(zmq4.REP)
	if err != nil {
		return nil, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	bound, err := setupResponder(sock, addr)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	r := &Responder{
		addr:    bound,
		codec:   codec,
		opts:    opts,
		log:     opts.Logger.With(logging.LogFields{"socket": "rep", "address": bound.String()}),
		metrics: opts.Metrics,
		sock:    sock,
		done:    make(chan struct{}),
	}
	if err := opts.Context.register(r); err != nil {
		_ = sock.Close()
		return nil, &errspkg.BindError{Address: addr.String(), Err: err}
	}

	r.log.Info("Responder bound", nil)
	return r, nil
}

func setupResponder(sock *zmq4.Socket, addr address.Address) (address.Address, error) {
	if err := sock.SetLinger(0); err != nil {
		return addr, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	if err := sock.SetMaxmsgsize(maxMessageSize); err != nil {
		return addr, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	return bind(sock, addr)
}

// Address returns the bound address.
func (r *Responder) Address() address.Address { return r.addr }

// Receive blocks until a request arrives. A positive timeout yields a
// TimeoutError when it elapses first; cancellation of ctx returns ctx.Err().
func (r *Responder) Receive(ctx context.Context, timeout time.Duration) (envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() {
		return envelope.Envelope{}, r.transportErr("receive", errspkg.ErrClosed)
	}
	if r.pending != nil {
		abandoned := r.pending
		r.pending = nil
		r.log.Error("Request left unanswered", errUnanswered, logging.LogFields{"op": "receive", "request_id": abandoned.ID})
		_ = r.answer(ctx, abandoned.ID, envelope.Payload{"ok": false, "error": "request abandoned"}, 1, 0)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		parts, err := receive(ctx, r.sock, r.done, deadline)
		switch {
		case err == nil:
		case errors.Is(err, errspkg.ErrClosed):
			return envelope.Envelope{}, r.transportErr("receive", err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return envelope.Envelope{}, &errspkg.TimeoutError{Op: "receive", Address: r.addr.String(), After: timeout}
		case ctx.Err() != nil:
			return envelope.Envelope{}, ctx.Err()
		default:
			return envelope.Envelope{}, r.transportErr("receive", err)
		}

		req, err := decodeRequest(parts)
		if err != nil {
			r.metrics.RecordDecodeError(r.addr.String())
			r.log.Error("Dropped malformed request", err, logging.LogFields{"op": "decode"})
			// REP must answer before it can read again. Without an id the
			// requester cannot match this reply and fails its call.
			_ = r.answer(ctx, "", envelope.Payload{"ok": false, "error": "malformed request"}, 1, 0)
			continue
		}
		r.pending = &req
		r.metrics.RecordReceived(r.addr.String(), req.Topic)
		return req, nil
	}
}

func decodeRequest(parts [][]byte) (envelope.Envelope, error) {
	if len(parts) != 2 {
		return envelope.Envelope{}, &errspkg.DecodeError{Err: fmt.Errorf("request has %d parts", len(parts))}
	}
	return envelope.Decode(envelope.Frame{Topic: string(parts[0]), Body: parts[1]})
}

// Send answers the request returned by the last Receive.
func (r *Responder) Send(ctx context.Context, payload envelope.Payload, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req := r.pending
	if req == nil {
		return ErrNoPendingRequest
	}
	r.pending = nil
	if r.isClosed() {
		return r.transportErr("send", errspkg.ErrClosed)
	}
	return r.answer(ctx, req.ID, payload, req.Version, timeout)
}

// answer sends one reply. A payload that cannot be encoded is replaced by an
// error reply so the requester is never left waiting; the encoding error is
// still returned.
func (r *Responder) answer(ctx context.Context, requestID string, payload envelope.Payload, version int, timeout time.Duration) error {
	env, buildErr := r.codec.Build(TopicReply, payload, version)
	if buildErr != nil {
		env, _ = r.codec.Build(TopicReply, envelope.Payload{"ok": false, "error": buildErr.Error()}, 1)
	}
	env.CorrelationID = requestID
	frame, err := r.codec.Marshal(env)
	if err != nil {
		return err
	}
	if len(frame.Body) > MaxFrameSize {
		return frameTooLarge(len(frame.Body))
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		_, err := r.sock.SendMessageDontwait(frame.Topic, frame.Body)
		if err == nil {
			r.metrics.RecordSent(r.addr.String(), TopicReply)
			return buildErr
		}
		if !isAgain(err) {
			return r.transportErr("send", err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return &errspkg.TimeoutError{Op: "send", Address: r.addr.String(), After: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return r.transportErr("send", errspkg.ErrClosed)
		case <-time.After(time.Millisecond):
		}
	}
}

// Handler serves one request. Returning an error sends {ok:false, error:...}.
type Handler func(ctx context.Context, request envelope.Envelope) (envelope.Payload, error)

// Serve drives the receive, dispatch, send loop until ctx is done or the
// responder is closed, both of which return nil. A failing or panicking
// handler is answered with an error reply and never stops the loop.
func (r *Responder) Serve(ctx context.Context, handler Handler) error {
	for {
		req, err := r.Receive(ctx, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errspkg.ErrClosed) {
				return nil
			}
			return err
		}

		reply, herr := r.dispatch(ctx, handler, req)
		if herr != nil {
			r.log.Error("Request handler failed", herr, logging.LogFields{"op": "handle", "request_id": req.ID})
			reply = envelope.Payload{"ok": false, "error": herr.Error()}
		}
		if err := r.Send(ctx, reply, r.opts.RequestTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("Reply failed", err, logging.LogFields{"op": "send", "request_id": req.ID})
		}
	}
}

func (r *Responder) dispatch(ctx context.Context, handler Handler, req envelope.Envelope) (reply envelope.Payload, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return handler(ctx, req)
}

func (r *Responder) transportErr(op string, err error) error {
	return &errspkg.TransportError{Op: op, Address: r.addr.String(), Err: err}
}

func (r *Responder) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Close stops serving and releases the socket. A Receive in progress returns
// a TransportError. It is safe to call more than once.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		err = r.sock.Close()
		r.mu.Unlock()
		awaitRelease(r.addr)
		r.opts.Context.unregister(r)
		r.log.Info("Responder closed", nil)
	})
	return err
}
