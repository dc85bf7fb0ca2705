// Package address normalizes socket addresses and prepares local endpoints
// for binding.
//
// Four input forms are accepted:
//
//	ipc:///abs/path.sock   file-backed local endpoint, used as-is
//	tcp://host:port        network endpoint, used as-is
//	/abs/path.sock         bare absolute path, becomes ipc://
//	md.sock                relative path, resolved against the base directory
package address

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	errspkg "github.com/drblury/simbus/internal/runtime/errors"
)

const (
	SchemeIPC = "ipc://"
	SchemeTCP = "tcp://"

	// DefaultBaseDir holds relative local addresses when no base is configured.
	DefaultBaseDir = "/tmp/etf-trading"
)

// liveTimeout bounds the liveness check made before removing a stale socket.
var liveTimeout = 200 * time.Millisecond

// Address is a resolved endpoint.
type Address struct {
	// Network is "unix" for local endpoints and "tcp" for network ones.
	Network string
	// Target is the filesystem path or host:port.
	Target string
}

// Resolve turns any accepted address form into an Address. Relative local
// paths are joined onto baseDir, or DefaultBaseDir when baseDir is empty.
func Resolve(raw, baseDir string) (Address, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Address{}, errspkg.ErrAddressRequired
	case strings.HasPrefix(raw, SchemeIPC):
		path := strings.TrimPrefix(raw, SchemeIPC)
		if path == "" {
			return Address{}, fmt.Errorf("address %q: empty ipc path", raw)
		}
		return Address{Network: "unix", Target: filepath.Clean(path)}, nil
	case strings.HasPrefix(raw, SchemeTCP):
		hostport := strings.TrimPrefix(raw, SchemeTCP)
		if _, _, err := net.SplitHostPort(hostport); err != nil {
			return Address{}, fmt.Errorf("address %q: %w", raw, err)
		}
		return Address{Network: "tcp", Target: hostport}, nil
	case strings.Contains(raw, "://"):
		return Address{}, fmt.Errorf("address %q: unsupported scheme", raw)
	case filepath.IsAbs(raw):
		return Address{Network: "unix", Target: filepath.Clean(raw)}, nil
	default:
		if baseDir == "" {
			baseDir = DefaultBaseDir
		}
		return Address{Network: "unix", Target: filepath.Join(baseDir, raw)}, nil
	}
}

// MustResolve is Resolve for addresses known to be valid, such as test
// fixtures and compiled-in defaults.
func MustResolve(raw, baseDir string) Address {
	addr, err := Resolve(raw, baseDir)
	if err != nil {
		panic(err)
	}
	return addr
}

// String renders the canonical ipc:// or tcp:// form.
func (a Address) String() string {
	if a.Network == "tcp" {
		return SchemeTCP + a.Target
	}
	return SchemeIPC + a.Target
}

// IsLocal reports whether the address is file-backed.
func (a Address) IsLocal() bool {
	return a.Network == "unix"
}

// PrepareBind makes a local address bindable: it creates missing parent
// directories and removes a socket file left behind by a process that did not
// shut down cleanly. A path that is not a socket, or a socket that still
// accepts connections, is reported as a BindError. Network addresses need no
// preparation.
func PrepareBind(a Address) error {
	if !a.IsLocal() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.Target), 0o755); err != nil {
		return &errspkg.BindError{Address: a.String(), Err: err}
	}

	info, err := os.Lstat(a.Target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &errspkg.BindError{Address: a.String(), Err: err}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return &errspkg.BindError{Address: a.String(), Err: errspkg.ErrPathNotSocket}
	}

	if conn, err := net.DialTimeout("unix", a.Target, liveTimeout); err == nil {
		_ = conn.Close()
		return &errspkg.BindError{Address: a.String(), Err: errspkg.ErrAddressInUse}
	}

	if err := os.Remove(a.Target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &errspkg.BindError{Address: a.String(), Err: err}
	}
	return nil
}

// CheckLive dials a once and hangs up, reporting whether anything accepts
// connections there. ZeroMQ connects lazily, so this is how a caller learns
// early that no peer is bound.
func CheckLive(ctx context.Context, a Address, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, a.Network, a.Target)
	if err != nil {
		return err
	}
	return conn.Close()
}
