package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/simbus/internal/runtime/bus"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/simbus/internal/runtime/logging"
)

// DefaultGracePeriod bounds how long draining waits for tasks to return.
const DefaultGracePeriod = 5 * time.Second

// State is a step of the service lifecycle. It only moves forward.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Task is a unit of concurrent work. It must return once ctx is done.
type Task func(ctx context.Context) error

// Hook runs during shutdown with a context bounded by the grace period.
type Hook func(ctx context.Context) error

// ServiceConfig describes a service. Name, Main and Logger are required.
type ServiceConfig struct {
	Name string
	// Init runs before any task starts; its failure aborts the service.
	Init func(ctx context.Context) error
	// Main is the primary task. When any task returns, the rest are drained.
	Main       Task
	Background []Task
	// OnShutdown hooks run in order after every task has stopped, even when
	// earlier hooks fail.
	OnShutdown  []Hook
	GracePeriod time.Duration
	// Signals start the drain. Defaults to SIGINT and SIGTERM. A second
	// signal while draining stops waiting for tasks.
	Signals []os.Signal
	Logger  loggingpkg.ServiceLogger

	// BusContext is closed after the last hook so no socket outlives the
	// service. Defaults to bus.DefaultContext().
	BusContext *bus.Context

	// MetricsPort serves /metrics, /healthz and everything registered with
	// Handle. Zero disables the HTTP endpoint.
	MetricsPort int
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type namedHook struct {
	name string
	fn   Hook
}

// Service supervises one simbus process: init, concurrent tasks, drain on
// signal, then ordered shutdown hooks.
type Service struct {
	name   string
	cfg    ServiceConfig
	Logger loggingpkg.ServiceLogger

	state atomic.Int32

	mu        sync.Mutex
	hooks     []namedHook
	mux       *http.ServeMux
	stop      context.CancelFunc
	stopEarly bool
	taskErrs  []error

	escalate     chan struct{}
	escalateOnce sync.Once
	done         chan struct{}
}

// NewService validates cfg and returns a Service in StateCreated.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Name == "" {
		return nil, errspkg.ErrConfigRequired
	}
	if cfg.Main == nil {
		return nil, errspkg.ErrMainTaskRequired
	}
	if cfg.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Service{
		name:     cfg.Name,
		cfg:      cfg,
		Logger:   cfg.Logger.With(loggingpkg.LogFields{"service": cfg.Name}),
		escalate: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i, h := range cfg.OnShutdown {
		s.hooks = append(s.hooks, namedHook{name: fmt.Sprintf("hook-%d", i), fn: h})
	}
	if cfg.MetricsPort > 0 {
		s.mux = http.NewServeMux()
		s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
		s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			st := s.State()
			if st != StateRunning {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_, _ = fmt.Fprintln(w, st.String())
		})
	}
	return s, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// State reports the current lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// Done is closed once the service reaches StateStopped.
func (s *Service) Done() <-chan struct{} { return s.done }

// Handle registers an HTTP handler on the metrics port. It has no effect when
// MetricsPort is zero and must be called before Run.
func (s *Service) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mux == nil {
		s.Logger.Debug("HTTP endpoint disabled, ignoring handler", loggingpkg.LogFields{"pattern": pattern})
		return
	}
	s.mux.Handle(pattern, handler)
}

// AddShutdownHook appends a named hook after those already registered.
func (s *Service) AddShutdownHook(name string, hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, fn: hook})
}

// CloseOnShutdown registers c.Close as a shutdown hook.
func (s *Service) CloseOnShutdown(name string, c interface{ Close() error }) {
	s.AddShutdownHook(name, func(context.Context) error { return c.Close() })
}

// Stop starts the drain. It is safe to call at any time and more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		return
	}
	s.stopEarly = true
}

// TaskErrors returns the errors tasks returned, other than cancellation.
func (s *Service) TaskErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.taskErrs...)
}

// Run drives the whole lifecycle and returns once the service is stopped.
// Only an init failure is returned, as an InitError; task errors are
// collected in TaskErrors and hook errors are logged.
func (s *Service) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return fmt.Errorf("service %s already started", s.name)
	}
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	if s.stopEarly {
		cancel()
	}
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, s.cfg.Signals...)
	defer signal.Stop(sigCh)
	go s.watchSignals(sigCh)

	s.Logger.Info("Service initializing", nil)
	if err := s.runInit(runCtx); err != nil {
		initErr := &errspkg.InitError{Service: s.name, Err: err}
		s.Logger.Error("Service init failed", initErr, nil)
		s.setState(StateDraining)
		s.shutdown()
		return initErr
	}

	s.setState(StateRunning)
	s.Logger.Info("Service running", loggingpkg.LogFields{"background_tasks": len(s.cfg.Background)})

	group, groupCtx := errgroup.WithContext(runCtx)
	s.start(group, groupCtx, cancel, "main", s.cfg.Main)
	for i, task := range s.cfg.Background {
		s.start(group, groupCtx, cancel, fmt.Sprintf("background-%d", i), task)
	}
	if s.mux != nil {
		s.start(group, groupCtx, cancel, "http", s.serveHTTP)
	}

	<-groupCtx.Done()
	s.setState(StateDraining)
	s.Logger.Info("Service draining", nil)
	s.awaitTasks(group)

	s.shutdown()
	return nil
}

// Run builds a Service from cfg and runs it.
func Run(ctx context.Context, cfg ServiceConfig) error {
	svc, err := NewService(cfg)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Service) watchSignals(sigCh <-chan os.Signal) {
	count := 0
	for {
		select {
		case sig := <-sigCh:
			count++
			if count == 1 {
				s.Logger.Info("Signal received, draining", loggingpkg.LogFields{"signal": sig.String()})
				s.Stop()
				continue
			}
			s.Logger.Info("Second signal received, cancelling immediately", loggingpkg.LogFields{"signal": sig.String()})
			s.escalateOnce.Do(func() { close(s.escalate) })
			return
		case <-s.done:
			return
		}
	}
}

func (s *Service) runInit(ctx context.Context) (err error) {
	if s.cfg.Init == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.cfg.Init(ctx)
}

// start launches task in the group. The first task to return, successfully or
// not, cancels the others.
func (s *Service) start(group *errgroup.Group, ctx context.Context, cancel context.CancelFunc, name string, task Task) {
	group.Go(func() (err error) {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task %s panicked: %v", name, p)
			}
			s.recordTaskResult(ctx, name, err)
		}()
		return task(ctx)
	})
}

func (s *Service) recordTaskResult(ctx context.Context, name string, err error) {
	fields := loggingpkg.LogFields{"task": name}
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		s.Logger.Debug("Task stopped", fields)
		return
	}
	s.Logger.Error("Task failed", err, fields)
	s.mu.Lock()
	s.taskErrs = append(s.taskErrs, fmt.Errorf("%s: %w", name, err))
	s.mu.Unlock()
}

// awaitTasks waits for every task, at most for the grace period or until a
// second signal arrives.
func (s *Service) awaitTasks(group *errgroup.Group) {
	finished := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(finished)
	}()

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		s.Logger.Error("Tasks did not stop within grace period", context.DeadlineExceeded, loggingpkg.LogFields{"grace_period": s.cfg.GracePeriod.String()})
	case <-s.escalate:
		s.Logger.Info("Abandoning tasks still running", nil)
	}
}

// shutdown runs every hook in registration order, isolating failures, then
// closes the bus context.
func (s *Service) shutdown() {
	s.mu.Lock()
	hooks := append([]namedHook(nil), s.hooks...)
	s.mu.Unlock()

	hookCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	go func() {
		select {
		case <-s.escalate:
			cancel()
		case <-hookCtx.Done():
		}
	}()

	for _, h := range hooks {
		if err := runHook(hookCtx, h); err != nil {
			s.Logger.Error("Shutdown hook failed", err, loggingpkg.LogFields{"hook": h.name})
			continue
		}
		s.Logger.Debug("Shutdown hook done", loggingpkg.LogFields{"hook": h.name})
	}

	closeBus := bus.CloseDefault
	if s.cfg.BusContext != nil {
		closeBus = s.cfg.BusContext.Close
	}
	if err := closeBus(); err != nil {
		s.Logger.Error("Closing sockets failed", err, nil)
	}

	s.setState(StateStopped)
	s.Logger.Info("Service stopped", nil)
}

func runHook(ctx context.Context, h namedHook) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.fn(ctx)
}

// serveHTTP exposes the service mux until ctx is done.
func (s *Service) serveHTTP(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.MetricsPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
