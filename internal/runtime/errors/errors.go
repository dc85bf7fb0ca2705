package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrBind          = sterrors.New("simbus: bind failed")
	ErrSerialization = sterrors.New("simbus: payload is not serializable")
	ErrDecode        = sterrors.New("simbus: malformed message")
	ErrTimeout       = sterrors.New("simbus: timed out")
	ErrTransport     = sterrors.New("simbus: transport failure")
	ErrInit          = sterrors.New("simbus: service init failed")

	ErrClosed           = sterrors.New("simbus: socket is closed")
	ErrTopicRequired    = sterrors.New("simbus: topic is required")
	ErrAddressRequired  = sterrors.New("simbus: address is required")
	ErrConfigRequired   = sterrors.New("simbus: configuration is required")
	ErrLoggerRequired   = sterrors.New("simbus: logger is required")
	ErrMainTaskRequired = sterrors.New("simbus: main task is required")
	ErrFrameTooLarge    = sterrors.New("simbus: frame exceeds size limit")
	ErrPathNotSocket    = sterrors.New("simbus: path exists and is not a socket")
	ErrAddressInUse     = sterrors.New("simbus: address already in use")
)

// BindError reports that an endpoint could not be bound. It is fatal to the
// service that attempted the bind.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("simbus: bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == ErrBind }

// SerializationError names the payload path holding a value the codec cannot
// represent.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("simbus: cannot serialize %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// DecodeError is returned for truncated or malformed message bodies.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("simbus: decode: %v", e.Err)
	}
	return fmt.Sprintf("simbus: decode %q: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// TimeoutError is returned when a request/reply step does not complete within
// its bound.
type TimeoutError struct {
	Op      string
	Address string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("simbus: %s on %s timed out after %s", e.Op, e.Address, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout lets TimeoutError satisfy the net.Error style check.
func (e *TimeoutError) Timeout() bool { return true }

// TransportError wraps an underlying channel failure.
type TransportError struct {
	Op      string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("simbus: %s on %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// InitError aborts a service before any of its tasks start.
type InitError struct {
	Service string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("simbus: init %s: %v", e.Service, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool { return target == ErrInit }

// ConfigValidationError wraps the joined problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "simbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
