package simbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	runtimepkg "github.com/drblury/simbus/internal/runtime"
	buspkg "github.com/drblury/simbus/internal/runtime/bus"
	configpkg "github.com/drblury/simbus/internal/runtime/config"
	loggingpkg "github.com/drblury/simbus/internal/runtime/logging"
	metricspkg "github.com/drblury/simbus/internal/runtime/metrics"
)

// Exit codes of Main.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

// Env is the environment a binary is built from: validated configuration, the
// process logger and, when METRICS_PORT is set, the bus metrics.
type Env struct {
	Name    string
	Config  Config
	Logger  ServiceLogger
	Metrics *BusMetrics
	// Registerer is where collectors go. It is nil when metrics are off.
	Registerer prometheus.Registerer
	// Bus owns every socket the service opens.
	Bus *BusContext

	closeLog func() error
}

// NewEnv reads the configuration through lookup and builds the logger.
// Callers must Close the returned Env.
func NewEnv(name string, lookup func(string) (string, bool), logOutput io.Writer) (*Env, error) {
	cfg, err := configpkg.FromLookup(lookup)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := cfg.LoggerOptions(name)
	opts.Output = logOutput
	logger, closeLog, err := loggingpkg.New(opts)
	if err != nil {
		return nil, err
	}

	env := &Env{
		Name:     name,
		Config:   cfg,
		Logger:   logger,
		Bus:      buspkg.NewContext(),
		closeLog: closeLog,
	}
	if cfg.MetricsPort > 0 {
		env.Registerer = prometheus.DefaultRegisterer
		env.Metrics = metricspkg.New(env.Registerer)
		if err := env.Metrics.Register(); err != nil {
			_ = closeLog()
			return nil, fmt.Errorf("register bus metrics: %w", err)
		}
	}
	logger.Debug("Configuration loaded", LogFields{"config": cfg.String()})
	return env, nil
}

// SocketOptions are the bus options every socket of the service shares.
func (e *Env) SocketOptions() BusOptions {
	opts := e.Config.SocketOptions(e.Logger)
	opts.RequestTimeout = e.Config.RequestTimeout
	opts.Metrics = e.Metrics
	opts.Context = e.Bus
	return opts
}

// NewService fills the environment-derived fields of cfg and builds the
// service.
func (e *Env) NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Name == "" {
		cfg.Name = e.Name
	}
	if cfg.Logger == nil {
		cfg.Logger = e.Logger
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = e.Config.DrainGrace
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = e.Config.MetricsPort
	}
	if cfg.BusContext == nil {
		cfg.BusContext = e.Bus
	}
	return runtimepkg.NewService(cfg)
}

// Close releases the bus context and the log file.
func (e *Env) Close() error {
	return errors.Join(e.Bus.Close(), e.closeLog())
}

// BuildFunc assembles a binary's service from its environment.
type BuildFunc func(ctx context.Context, env *Env) (*Service, error)

// Execute builds and runs one service. It returns the init error, or the
// joined errors of tasks that failed, or nil after a clean drain.
func Execute(ctx context.Context, env *Env, build BuildFunc) error {
	svc, err := build(ctx, env)
	if err != nil {
		return err
	}
	if err := svc.Run(ctx); err != nil {
		return err
	}
	return errors.Join(svc.TaskErrors()...)
}

// Main is the entry point of every simbus binary. It exits with ExitConfig on
// invalid configuration and ExitFailed when the service fails.
func Main(name string, build BuildFunc) {
	os.Exit(run(context.Background(), name, os.LookupEnv, os.Stderr, build))
}

func run(ctx context.Context, name string, lookup func(string) (string, bool), stderr io.Writer, build BuildFunc) int {
	env, err := NewEnv(name, lookup, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return ExitConfig
	}
	defer env.Close()

	if err := Execute(ctx, env, build); err != nil {
		env.Logger.Error("Service failed", err, nil)
		return ExitFailed
	}
	return ExitOK
}
