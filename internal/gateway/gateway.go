// Package gateway streams bus traffic to browsers over WebSocket.
//
// Every client of /stream gets its own Subscriber per configured source. Each
// envelope is written as one JSON text frame carrying id, type, ts, datetime,
// v and payload. The first forwarder to fail, a client disconnect, or the
// server shutting down tears the whole stream down.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/simbus/internal/runtime/address"
	"github.com/drblury/simbus/internal/runtime/bus"
	"github.com/drblury/simbus/internal/runtime/config"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/jsoncodec"
	"github.com/drblury/simbus/internal/runtime/logging"
)

const (
	StreamPath  = "/stream"
	HealthzPath = "/healthz"

	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Source is one publisher a stream forwards from.
type Source struct {
	Name     string
	Address  address.Address
	Prefixes []string
}

// DefaultSources forwards market data, FX and pricing.
func DefaultSources(c *config.Config) ([]Source, error) {
	md, err := c.MarketDataAddress()
	if err != nil {
		return nil, err
	}
	fxAddr, err := c.FXAddress()
	if err != nil {
		return nil, err
	}
	pricing, err := c.PricingAddress()
	if err != nil {
		return nil, err
	}
	return []Source{
		{Name: "md", Address: md, Prefixes: []string{"prices."}},
		{Name: "fx", Address: fxAddr, Prefixes: []string{"fx."}},
		{Name: "pricing", Address: pricing, Prefixes: []string{"inav."}},
	}, nil
}

type Config struct {
	Sources      []Source
	Bus          bus.Options
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Registerer receives the gateway collectors. Nil disables them.
	Registerer prometheus.Registerer
	Logger     logging.ServiceLogger
}

type Server struct {
	cfg      Config
	log      logging.ServiceLogger
	upgrader websocket.Upgrader
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("gateway: at least one source is required")
	}
	for i, src := range cfg.Sources {
		if src.Address.Target == "" {
			return nil, fmt.Errorf("gateway source %d: %w", i, errspkg.ErrAddressRequired)
		}
		if src.Name == "" {
			cfg.Sources[i].Name = src.Address.String()
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Bus.Logger == nil {
		cfg.Bus.Logger = cfg.Logger
	}

	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		log: cfg.Logger.With(logging.LogFields{"component": "gateway"}),
		upgrader: websocket.Upgrader{
			// Dashboards are served from other origins during development.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Handler serves /stream and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, s.ServeStream)
	mux.HandleFunc(HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves Handler on host:port until ctx is done, then ends every open
// stream.
func (s *Server) Run(ctx context.Context, host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return &errspkg.BindError{Address: net.JoinHostPort(host, strconv.Itoa(port)), Err: err}
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("Gateway listening", logging.LogFields{"address": ln.Addr().String()})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends every open stream and waits for them to release their sockets.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Metrics returns the gateway collectors, or nil when disabled.
func (s *Server) Metrics() *Metrics { return s.metrics }

// ServeStream upgrades the request and forwards every source to it.
func (s *Server) ServeStream(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	log := s.log.With(logging.LogFields{"remote": r.RemoteAddr})

	subs, err := s.subscribe(ctx)
	if err != nil {
		log.Error("Stream sources unavailable", err, logging.LogFields{"op": "subscribe"})
		http.Error(w, "stream sources unavailable", http.StatusServiceUnavailable)
		return
	}
	defer closeAll(subs)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug("WebSocket upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	c := &client{conn: conn, writeTimeout: s.cfg.WriteTimeout}
	s.metrics.connected()
	log.Info("Stream client connected", nil)

	err = s.stream(ctx, c, subs)
	s.metrics.disconnected()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Info("Stream client disconnected", logging.LogFields{"reason": err.Error()})
		return
	}
	log.Info("Stream client disconnected", nil)
}

func (s *Server) subscribe(ctx context.Context) ([]*bus.Subscriber, error) {
	subs := make([]*bus.Subscriber, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		sub, err := bus.OpenSubscriber(ctx, src.Address, src.Prefixes, s.cfg.Bus)
		if err != nil {
			closeAll(subs)
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Server) stream(ctx context.Context, c *client, subs []*bus.Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the connection unblocks the reader once any task has ended.
	g.Go(func() error {
		<-gctx.Done()
		_ = c.close()
		closeAll(subs)
		return nil
	})
	g.Go(func() error { return c.readUntilClosed() })
	g.Go(func() error { return s.ping(gctx, c) })
	for i, sub := range subs {
		name := s.cfg.Sources[i].Name
		g.Go(func() error { return s.forward(gctx, c, name, sub) })
	}
	return g.Wait()
}

func (s *Server) forward(ctx context.Context, c *client, source string, sub *bus.Subscriber) error {
	for env := range sub.All(ctx) {
		frame, err := jsoncodec.Marshal(env.Map())
		if err != nil {
			return fmt.Errorf("encode %s from %s: %w", env.Topic, source, err)
		}
		if err := c.writeText(frame); err != nil {
			return fmt.Errorf("write to client: %w", err)
		}
		s.metrics.sent(source)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("source %s ended", source)
}

func (s *Server) ping(ctx context.Context, c *client) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return fmt.Errorf("ping client: %w", err)
			}
		}
	}
}

func closeAll(subs []*bus.Subscriber) {
	for _, sub := range subs {
		_ = sub.Close()
	}
}

// client serializes writes; gorilla connections allow one concurrent writer.
type client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *client) writeText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// readUntilClosed discards client frames and returns when the client goes
// away. Control frames are handled by the connection while reading.
func (c *client) readUntilClosed() error {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return fmt.Errorf("client closed: %w", err)
		}
	}
}

func (c *client) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
