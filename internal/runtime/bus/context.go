package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"

	errspkg "github.com/drblury/simbus/internal/runtime/errors"
)

type socket interface {
	Close() error
}

// Context is the process-wide owner of every open socket. It wraps a single
// ZeroMQ context, created when the first socket is opened. Closing it closes
// whatever is still open, terminates the ZeroMQ context and makes further
// opens fail with ErrClosed.
type Context struct {
	mu       sync.Mutex
	zctx     *zmq4.Context
	sockets  map[socket]struct{}
	closed   bool
	done     chan struct{}
	monitors uint64
}

// NewContext returns an independent context, mostly useful in tests.
func NewContext() *Context {
	return &Context{
		sockets: make(map[socket]struct{}),
		done:    make(chan struct{}),
	}
}

var (
	defaultMu  sync.Mutex
	defaultCtx *Context
)

// DefaultContext returns the process context, creating it on first use. A
// closed process context stays closed: sockets opened on it afterwards fail
// with ErrClosed.
func DefaultContext() *Context {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCtx == nil {
		defaultCtx = NewContext()
	}
	return defaultCtx
}

// CloseDefault tears down the process context if one was ever created.
func CloseDefault() error {
	defaultMu.Lock()
	ctx := defaultCtx
	defaultMu.Unlock()

	if ctx == nil {
		return nil
	}
	return ctx.Close()
}

// newSocket creates a ZeroMQ socket. The caller owns it until it registers
// its wrapper.
func (c *Context) newSocket(t zmq4.Type) (*zmq4.Socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errspkg.ErrClosed
	}
	if c.zctx == nil {
		zctx, err := zmq4.NewContext()
		if err != nil {
			return nil, fmt.Errorf("zmq context: %w", err)
		}
		c.zctx = zctx
	}
	return c.zctx.NewSocket(t)
}

// monitorEndpoint returns a fresh inproc endpoint for a socket monitor.
func (c *Context) monitorEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors++
	return fmt.Sprintf("inproc://simbus-monitor-%d", c.monitors)
}

func (c *Context) register(s socket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errspkg.ErrClosed
	}
	c.sockets[s] = struct{}{}
	return nil
}

func (c *Context) unregister(s socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sockets, s)
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the context is torn down.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Open reports how many sockets are still registered.
func (c *Context) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}

// Close closes every registered socket and terminates the ZeroMQ context.
// Termination waits for frames still lingering on closed sockets. Only the
// first call does anything.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remaining := make([]socket, 0, len(c.sockets))
	for s := range c.sockets {
		remaining = append(remaining, s)
	}
	zctx := c.zctx
	close(c.done)
	c.mu.Unlock()

	var errs []error
	for _, s := range remaining {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if zctx != nil {
		if err := zctx.Term(); err != nil {
			errs = append(errs, fmt.Errorf("zmq term: %w", err))
		}
	}
	return errors.Join(errs...)
}
