package bus

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/drblury/simbus/internal/runtime/address"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
)

const (
	// pollInterval bounds how long a blocked socket goes without noticing
	// cancellation or Close.
	pollInterval = 50 * time.Millisecond

	// welcomePrefix starts the subscription each Subscriber adds to announce
	// itself; its Publisher answers on that topic. Such topics are never
	// delivered to callers.
	welcomePrefix = "\x00simbus.welcome."

	releaseTimeout = time.Second

	// maxMessageSize caps a received message, topic and envelope together.
	maxMessageSize = MaxFrameSize + 4096
)

func isAgain(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

// receive waits for one message on s, polling so that ctx, done and the
// deadline are noticed. Reaching the deadline returns
// context.DeadlineExceeded and done returns ErrClosed.
func receive(ctx context.Context, s *zmq4.Socket, done <-chan struct{}, deadline time.Time) ([][]byte, error) {
	poller := zmq4.NewPoller()
	poller.Add(s, zmq4.POLLIN)
	for {
		select {
		case <-done:
			return nil, errspkg.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		wait := pollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return nil, context.DeadlineExceeded
			}
			wait = min(wait, left)
		}
		polled, err := poller.Poll(wait)
		if err != nil {
			return nil, err
		}
		if len(polled) > 0 {
			return s.RecvMessageBytes(zmq4.DONTWAIT)
		}
	}
}

// bind prepares addr and binds s to it. For a TCP address the returned
// Address carries the port actually bound, which differs when port 0 was
// requested.
func bind(s *zmq4.Socket, addr address.Address) (address.Address, error) {
	if err := address.PrepareBind(addr); err != nil {
		return addr, err
	}
	if err := s.Bind(addr.String()); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EADDRINUSE) {
			err = fmt.Errorf("%w: %w", errspkg.ErrAddressInUse, err)
		}
		return addr, &errspkg.BindError{Address: addr.String(), Err: err}
	}
	if addr.IsLocal() {
		return addr, nil
	}
	last, err := s.GetLastEndpoint()
	if err != nil {
		return addr, nil
	}
	if bound, err := address.Resolve(last, ""); err == nil {
		return bound, nil
	}
	return addr, nil
}

// monitor reports connect and disconnect events of s on a PAIR socket owned
// by the caller.
func (c *Context) monitor(s *zmq4.Socket) (*zmq4.Socket, error) {
	endpoint := c.monitorEndpoint()
	if err := s.Monitor(endpoint, zmq4.EVENT_CONNECTED|zmq4.EVENT_DISCONNECTED); err != nil {
		return nil, err
	}
	m, err := c.newSocket(zmq4.PAIR)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(endpoint); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// awaitRelease waits briefly until nothing accepts connections at a local
// addr any more. ZeroMQ closes listeners in the background, and a rebind
// before that would find the endpoint live.
func awaitRelease(addr address.Address) {
	if !addr.IsLocal() {
		return
	}
	deadline := time.Now().Add(releaseTimeout)
	for time.Now().Before(deadline) {
		if address.CheckLive(context.Background(), addr, 100*time.Millisecond) != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frameTooLarge(size int) error {
	return &errspkg.SerializationError{Path: "frame", Err: fmt.Errorf("%w: %d bytes", errspkg.ErrFrameTooLarge, size)}
}
