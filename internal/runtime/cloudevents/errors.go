package cloudevents

import (
	"errors"
	"fmt"
)

// ErrUnprocessable marks a message that can never be relayed, however often
// it is retried. The relay routes it to the poison queue instead.
var ErrUnprocessable = errors.New("simbus: unprocessable message")

// UnprocessableError names why a message was rejected.
type UnprocessableError struct {
	Reason string
	Cause  error
}

// Unprocessable wraps cause with a reason. cause may be nil.
func Unprocessable(reason string, cause error) *UnprocessableError {
	return &UnprocessableError{Reason: reason, Cause: cause}
}

func (e *UnprocessableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("simbus: unprocessable (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("simbus: unprocessable (%s)", e.Reason)
}

func (e *UnprocessableError) Unwrap() error { return e.Cause }

func (e *UnprocessableError) Is(target error) bool { return target == ErrUnprocessable }

// IsUnprocessable reports whether retrying err is pointless.
func IsUnprocessable(err error) bool {
	return errors.Is(err, ErrUnprocessable)
}
