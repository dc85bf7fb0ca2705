package simbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestEnvelopeExports(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProto} {
		codec, err := NewCodec(format)
		require.NoError(t, err)
		frame, err := codec.Encode("fx.spot", Payload{"pair": "EURUSD", "spot": 1.08}, 1)
		require.NoError(t, err)

		env, err := DecodeFrame(frame)
		require.NoError(t, err, format)
		assert.Equal(t, "fx.spot", env.Topic)
		assert.Equal(t, 1.08, env.Payload["spot"])
	}

	_, err := DecodeFrame(Frame{Topic: "fx.spot", Body: []byte("not an envelope")})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestLoggerExports(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog, err := NewLogger(LoggerOptions{Service: "test", Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)
	defer closeLog()

	logger.Info("boot", LogFields{"component": "test"})
	assert.Contains(t, buf.String(), `"component":"test"`)

	NopLogger().Info("dropped", nil)
	NewWatermillAdapter(logger).Debug("below level", nil)
}

func TestMessageIDsAreUnique(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	if a == "" || a == b {
		t.Fatalf("expected distinct ids, got %q and %q", a, b)
	}
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestNewEnv(t *testing.T) {
	env, err := NewEnv("mdsim", lookupFrom(map[string]string{
		"SIMBUS_DIR":         t.TempDir(),
		"ENVELOPE_FORMAT":    "json",
		"REQUEST_TIMEOUT_MS": "750",
		"DRAIN_GRACE_MS":     "250",
	}), io.Discard)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, "mdsim", env.Name)
	assert.Nil(t, env.Metrics)
	assert.Nil(t, env.Registerer)

	opts := env.SocketOptions()
	assert.Equal(t, FormatJSON, opts.Format)
	assert.Equal(t, 750*time.Millisecond, opts.RequestTimeout)
	assert.Same(t, env.Bus, opts.Context)
	assert.NotNil(t, opts.Logger)
}

func TestNewEnvRejectsInvalidConfig(t *testing.T) {
	_, err := NewEnv("mdsim", lookupFrom(map[string]string{"WS_PORT": "eighty"}), io.Discard)
	var cfgErr ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewEnv("mdsim", lookupFrom(map[string]string{"ENVELOPE_FORMAT": "xml"}), io.Discard)
	assert.ErrorAs(t, err, &cfgErr)
}

func quietEnv(t *testing.T) *Env {
	t.Helper()
	env, err := NewEnv("test", lookupFrom(map[string]string{
		"SIMBUS_DIR":     t.TempDir(),
		"DRAIN_GRACE_MS": "500",
	}), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestExecute(t *testing.T) {
	errBoom := errors.New("boom")

	t.Run("clean stop", func(t *testing.T) {
		env := quietEnv(t)
		err := Execute(context.Background(), env, func(_ context.Context, env *Env) (*Service, error) {
			return env.NewService(ServiceConfig{
				Main: func(context.Context) error { return nil },
			})
		})
		assert.NoError(t, err)
	})

	t.Run("init failure", func(t *testing.T) {
		env := quietEnv(t)
		err := Execute(context.Background(), env, func(_ context.Context, env *Env) (*Service, error) {
			return env.NewService(ServiceConfig{
				Init: func(context.Context) error { return errBoom },
				Main: func(context.Context) error { return nil },
			})
		})
		var initErr *InitError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, "test", initErr.Service)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("task failure", func(t *testing.T) {
		env := quietEnv(t)
		err := Execute(context.Background(), env, func(_ context.Context, env *Env) (*Service, error) {
			return env.NewService(ServiceConfig{
				Main: func(context.Context) error { return errBoom },
			})
		})
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("build failure", func(t *testing.T) {
		env := quietEnv(t)
		err := Execute(context.Background(), env, func(context.Context, *Env) (*Service, error) {
			return nil, errBoom
		})
		assert.ErrorIs(t, err, errBoom)
	})
}

func TestEnvNewServiceDefaults(t *testing.T) {
	env := quietEnv(t)
	svc, err := env.NewService(ServiceConfig{Main: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, "test", svc.Name())
	assert.Equal(t, StateCreated, svc.State())
}

func TestRunExitCodes(t *testing.T) {
	ok := func(_ context.Context, env *Env) (*Service, error) {
		return env.NewService(ServiceConfig{Main: func(context.Context) error { return nil }})
	}
	failing := func(_ context.Context, env *Env) (*Service, error) {
		return env.NewService(ServiceConfig{Main: func(context.Context) error { return errors.New("boom") }})
	}
	good := lookupFrom(map[string]string{"SIMBUS_DIR": t.TempDir(), "LOG_FILE": t.TempDir() + "/svc.log"})

	var stderr bytes.Buffer
	assert.Equal(t, ExitOK, run(context.Background(), "svc", good, &stderr, ok))
	assert.Equal(t, ExitFailed, run(context.Background(), "svc", good, &stderr, failing))

	stderr.Reset()
	bad := lookupFrom(map[string]string{"TICK_INTERVAL_MS": "0"})
	assert.Equal(t, ExitConfig, run(context.Background(), "svc", bad, &stderr, ok))
	assert.Contains(t, stderr.String(), "svc:")
}
