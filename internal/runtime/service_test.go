package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/simbus/internal/runtime/bus"
	"github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
)

func idle(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestNewServiceValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServiceConfig
		want error
	}{
		{"missing name", ServiceConfig{Main: idle, Logger: newTestLogger()}, errspkg.ErrConfigRequired},
		{"missing main", ServiceConfig{Name: "svc", Logger: newTestLogger()}, errspkg.ErrMainTaskRequired},
		{"missing logger", ServiceConfig{Name: "svc", Main: idle}, errspkg.ErrLoggerRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewServiceDefaults(t *testing.T) {
	svc, err := NewService(ServiceConfig{Name: "svc", Main: idle, Logger: newTestLogger()})
	require.NoError(t, err)
	assert.Equal(t, "svc", svc.Name())
	assert.Equal(t, StateCreated, svc.State())
	assert.Equal(t, DefaultGracePeriod, svc.cfg.GracePeriod)
	assert.Equal(t, []os.Signal{os.Interrupt, syscall.SIGTERM}, svc.cfg.Signals)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestInitFailureRunsHooksAndSkipsTasks(t *testing.T) {
	rec := &recorder{}
	cause := errors.New("universe file missing")

	err := Run(context.Background(), ServiceConfig{
		Name:       "pcf_sim",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Init:       func(context.Context) error { return cause },
		Main: func(context.Context) error {
			rec.add("main")
			return nil
		},
		OnShutdown: []Hook{func(context.Context) error {
			rec.add("hook")
			return nil
		}},
	})

	var initErr *errspkg.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "pcf_sim", initErr.Service)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, errspkg.ErrInit)
	assert.Equal(t, []string{"hook"}, rec.list())
}

func TestInitPanicBecomesInitError(t *testing.T) {
	err := Run(context.Background(), ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Init:       func(context.Context) error { panic("boom") },
		Main:       idle,
	})
	assert.ErrorIs(t, err, errspkg.ErrInit)
	assert.Contains(t, err.Error(), "boom")
}

func TestFirstTaskCompletionDrainsOthers(t *testing.T) {
	rec := &recorder{}
	svc, err := NewService(ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Main: func(context.Context) error {
			rec.add("main done")
			return nil
		},
		Background: []Task{func(ctx context.Context) error {
			<-ctx.Done()
			rec.add("background cancelled")
			return ctx.Err()
		}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Run(context.Background()))
	assert.ElementsMatch(t, []string{"main done", "background cancelled"}, rec.list())
	assert.Equal(t, StateStopped, svc.State())
	assert.Empty(t, svc.TaskErrors(), "cancellation is not a task failure")
}

func TestTaskErrorsAreCollected(t *testing.T) {
	svc, err := NewService(ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Main:       idle,
		Background: []Task{
			func(context.Context) error { return errors.New("feed lost") },
			func(context.Context) error { panic("bad tick") },
		},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Run(context.Background()))
	errs := svc.TaskErrors()
	require.NotEmpty(t, errs)
	joined := errors.Join(errs...).Error()
	assert.Contains(t, joined, "feed lost")
}

func TestGracefulDrainWithSubscriberAndFailingHook(t *testing.T) {
	busCtx := newTestBusContext(t)
	addr := socketAddr(t, "md.sock")
	opts := bus.Options{Context: busCtx, Logger: newTestLogger()}
	rec := &recorder{}
	received := make(chan struct{}, 1)

	var pub *bus.Publisher
	var sub *bus.Subscriber
	svc, err := NewService(ServiceConfig{
		Name:        "consumer",
		Logger:      newTestLogger(),
		BusContext:  busCtx,
		GracePeriod: 2 * time.Second,
		Init: func(ctx context.Context) error {
			var err error
			if pub, err = bus.OpenPublisher(ctx, addr, opts); err != nil {
				return err
			}
			sub, err = bus.OpenSubscriber(ctx, addr, []string{"prices."}, opts)
			return err
		},
		Main: func(ctx context.Context) error {
			for env := range sub.All(ctx) {
				rec.add("got " + env.Topic)
				select {
				case received <- struct{}{}:
				default:
				}
			}
			rec.add("main returned")
			return nil
		},
		OnShutdown: []Hook{
			func(context.Context) error {
				rec.add("hook 1")
				return errors.New("flush failed")
			},
			func(context.Context) error {
				rec.add("hook 2")
				return nil
			},
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	waitForState(t, svc, StateRunning)
	require.NoError(t, pub.Send("prices.tick", envelope.Payload{"px": 1.5}))

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the tick")
	}

	svc.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.Equal(t, []string{"got prices.tick", "main returned", "hook 1", "hook 2"}, rec.list())
	assert.Equal(t, 0, busCtx.Open(), "every socket is closed after the last hook")
	assert.Equal(t, StateStopped, svc.State())
	<-svc.Done()
}

func TestSignalStartsDrain(t *testing.T) {
	svc, err := NewService(ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Signals:    []os.Signal{syscall.SIGUSR1},
		Main:       idle,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	waitForState(t, svc, StateRunning)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not stop the service")
	}
}

func TestSecondSignalAbandonsDrain(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hookCancelled := make(chan struct{})

	const grace = 10 * time.Second
	svc, err := NewService(ServiceConfig{
		Name:        "svc",
		Logger:      newTestLogger(),
		BusContext:  newTestBusContext(t),
		GracePeriod: grace,
		Signals:     []os.Signal{syscall.SIGUSR2},
		Main: func(context.Context) error {
			<-release
			return nil
		},
		OnShutdown: []Hook{func(ctx context.Context) error {
			<-ctx.Done()
			close(hookCancelled)
			return ctx.Err()
		}},
	})
	require.NoError(t, err)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	waitForState(t, svc, StateRunning)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	waitForState(t, svc, StateDraining)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(grace):
		t.Fatal("second signal did not cut the drain short")
	}
	assert.Less(t, time.Since(start), grace/2)
	assert.Equal(t, StateStopped, svc.State())
	select {
	case <-hookCancelled:
	default:
		t.Fatal("shutdown hook context was not cancelled")
	}
}

func TestGracePeriodBoundsDrain(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	svc, err := NewService(ServiceConfig{
		Name:        "svc",
		Logger:      newTestLogger(),
		BusContext:  newTestBusContext(t),
		GracePeriod: 100 * time.Millisecond,
		Main: func(ctx context.Context) error {
			<-release
			return nil
		},
		OnShutdown: []Hook{func(context.Context) error {
			rec.add("hook")
			return nil
		}},
	})
	require.NoError(t, err)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	waitForState(t, svc, StateRunning)
	svc.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("grace period was not enforced")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, []string{"hook"}, rec.list())
}

func TestHookPanicDoesNotStopLaterHooks(t *testing.T) {
	rec := &recorder{}
	svc, err := NewService(ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Main:       func(context.Context) error { return nil },
	})
	require.NoError(t, err)
	svc.AddShutdownHook("panics", func(context.Context) error { panic("boom") })
	svc.AddShutdownHook("records", func(context.Context) error {
		rec.add("records")
		return nil
	})

	require.NoError(t, svc.Run(context.Background()))
	assert.Equal(t, []string{"records"}, rec.list())
}

func TestStopBeforeRunDrainsImmediately(t *testing.T) {
	svc, err := NewService(ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Main:       idle,
	})
	require.NoError(t, err)
	svc.Stop()

	require.NoError(t, svc.Run(context.Background()))
	assert.Error(t, svc.Run(context.Background()), "a service runs once")
}

func TestParentContextCancelStopsService(t *testing.T) {
	svc, err := NewService(ServiceConfig{
		Name:       "svc",
		Logger:     newTestLogger(),
		BusContext: newTestBusContext(t),
		Main:       idle,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	waitForState(t, svc, StateRunning)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service ignored parent cancellation")
	}
}

func TestMetricsEndpointServesHandlers(t *testing.T) {
	port := freePort(t)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "simbus_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	svc, err := NewService(ServiceConfig{
		Name:        "svc",
		Logger:      newTestLogger(),
		BusContext:  newTestBusContext(t),
		Main:        idle,
		MetricsPort: port,
		Gatherer:    reg,
	})
	require.NoError(t, err)
	svc.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "extra")
	}))

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	defer func() {
		svc.Stop()
		<-done
	}()
	waitForState(t, svc, StateRunning)

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, get(t, base+"/metrics"), "simbus_test_total 1")
	assert.Equal(t, "extra", get(t, base+"/extra"))
}

func TestHandleWithoutMetricsPortIsIgnored(t *testing.T) {
	svc, err := NewService(ServiceConfig{Name: "svc", Main: idle, Logger: newTestLogger()})
	require.NoError(t, err)
	assert.NotPanics(t, func() { svc.Handle("/x", http.NotFoundHandler()) })
	assert.Nil(t, svc.mux)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
