package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/runtime/metrics"
)

// ErrorPolicy decides what Publisher.Send does with a delivery failure.
type ErrorPolicy string

const (
	// PolicySwallow drops the failure with a debug record only.
	PolicySwallow ErrorPolicy = "swallow"
	// PolicyLog logs the failure and reports success to the caller.
	PolicyLog ErrorPolicy = "log"
	// PolicyReturn hands a TransportError back to the caller.
	PolicyReturn ErrorPolicy = "return"
)

// ParsePolicy accepts swallow, log or return. An empty string selects
// PolicyLog.
func ParsePolicy(name string) (ErrorPolicy, error) {
	switch ErrorPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", PolicyLog:
		return PolicyLog, nil
	case PolicySwallow:
		return PolicySwallow, nil
	case PolicyReturn:
		return PolicyReturn, nil
	default:
		return "", fmt.Errorf("unknown publish error policy %q", name)
	}
}

const (
	// DefaultQueueSize is the high-water mark of every socket, in frames.
	DefaultQueueSize = 1024

	// MaxFrameSize caps an encoded envelope body.
	MaxFrameSize = 16 << 20

	handshakeTimeout = 5 * time.Second

	// Topics carried by request/reply frames.
	TopicRequest = "request"
	TopicReply   = "reply"
)

// Options are shared by every socket kind. The zero value is usable.
type Options struct {
	// Format selects the body encoding of envelopes this socket produces.
	// Decoding always accepts both formats.
	Format envelope.Format
	// ErrorPolicy applies to Publisher.Send.
	ErrorPolicy ErrorPolicy
	// QueueSize is the send high-water mark of a Publisher, per subscriber,
	// and the receive high-water mark of a Subscriber. Frames beyond it are
	// dropped.
	QueueSize int
	// Linger is how long frames still queued when a Publisher or Requester
	// closes may keep draining to their peers. Zero drops them. The wait
	// happens when the owning Context is closed.
	Linger time.Duration
	// Reconnect makes a Subscriber redial a vanished publisher instead of
	// ending its sequence.
	Reconnect bool
	// RequestTimeout is the Requester default when a call passes no timeout.
	// Zero leaves such calls bounded by their context only.
	RequestTimeout time.Duration

	Logger  logging.ServiceLogger
	Metrics *metrics.BusMetrics
	// Context owns the socket. Nil means DefaultContext().
	Context *Context
}

func (o Options) withDefaults() Options {
	if o.Format == "" {
		o.Format = envelope.FormatProto
	}
	if o.ErrorPolicy == "" {
		o.ErrorPolicy = PolicyLog
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Context == nil {
		o.Context = DefaultContext()
	}
	return o
}
