package simbus

import (
	runtimepkg "github.com/drblury/simbus/internal/runtime"
	addresspkg "github.com/drblury/simbus/internal/runtime/address"
	buspkg "github.com/drblury/simbus/internal/runtime/bus"
	ce "github.com/drblury/simbus/internal/runtime/cloudevents"
	configpkg "github.com/drblury/simbus/internal/runtime/config"
	envelopepkg "github.com/drblury/simbus/internal/runtime/envelope"
	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	idspkg "github.com/drblury/simbus/internal/runtime/ids"
	"github.com/drblury/simbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/simbus/internal/runtime/logging"
	metricspkg "github.com/drblury/simbus/internal/runtime/metrics"
	transportpkg "github.com/drblury/simbus/transport"
)

type (
	Config  = configpkg.Config
	Address = addresspkg.Address

	Envelope = envelopepkg.Envelope
	Payload  = envelopepkg.Payload
	Format   = envelopepkg.Format
	Frame    = envelopepkg.Frame
	Codec    = envelopepkg.Codec

	BusContext  = buspkg.Context
	BusOptions  = buspkg.Options
	ErrorPolicy = buspkg.ErrorPolicy
	Publisher   = buspkg.Publisher
	Subscriber  = buspkg.Subscriber
	Requester   = buspkg.Requester
	Responder   = buspkg.Responder
	Handler     = buspkg.Handler

	Service       = runtimepkg.Service
	ServiceConfig = runtimepkg.ServiceConfig
	ServiceState  = runtimepkg.State
	Task          = runtimepkg.Task
	Hook          = runtimepkg.Hook

	Relay                  = runtimepkg.Relay
	RelayConfig            = runtimepkg.RelayConfig
	RelayHooks             = runtimepkg.RelayHooks
	RelayContext           = runtimepkg.RelayContext
	RelayMetrics           = runtimepkg.RelayMetrics
	RelayStatus            = runtimepkg.RelayStatus
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	BusMetrics = metricspkg.BusMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LoggerOptions = loggingpkg.Options

	Event = ce.Event

	BindError             = errspkg.BindError
	SerializationError    = errspkg.SerializationError
	DecodeError           = errspkg.DecodeError
	TimeoutError          = errspkg.TimeoutError
	TransportError        = errspkg.TransportError
	InitError             = errspkg.InitError
	ConfigValidationError = errspkg.ConfigValidationError

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

const (
	FormatProto = envelopepkg.FormatProto
	FormatJSON  = envelopepkg.FormatJSON

	PolicySwallow = buspkg.PolicySwallow
	PolicyLog     = buspkg.PolicyLog
	PolicyReturn  = buspkg.PolicyReturn

	StateCreated      = runtimepkg.StateCreated
	StateInitializing = runtimepkg.StateInitializing
	StateRunning      = runtimepkg.StateRunning
	StateDraining     = runtimepkg.StateDraining
	StateStopped      = runtimepkg.StateStopped

	RelayStatusPath = runtimepkg.RelayStatusPath
)

var (
	ConfigFromEnv    = configpkg.FromEnv
	ConfigFromLookup = configpkg.FromLookup
	DefaultConfig    = configpkg.Default

	ResolveAddress = addresspkg.Resolve

	NewCodec      = envelopepkg.NewCodec
	ParseFormat   = envelopepkg.ParseFormat
	DecodeFrame   = envelopepkg.Decode
	PayloadOf     = envelopepkg.PayloadOf
	DecodePayload = envelopepkg.DecodePayload

	NewBusContext   = buspkg.NewContext
	OpenPublisher   = buspkg.OpenPublisher
	OpenSubscriber  = buspkg.OpenSubscriber
	AwaitSubscriber = buspkg.AwaitSubscriber
	OpenRequester   = buspkg.OpenRequester
	OpenResponder   = buspkg.OpenResponder
	ParsePolicy     = buspkg.ParsePolicy

	NewService = runtimepkg.NewService
	RunService = runtimepkg.Run

	NewRelay           = runtimepkg.NewRelay
	NewRelayConfig     = runtimepkg.NewRelayConfig
	NewRelayMetrics    = runtimepkg.NewRelayMetrics
	RelayStatusHandler = runtimepkg.RelayStatusHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	HooksMiddleware         = runtimepkg.HooksMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	UnprocessableMiddleware = runtimepkg.UnprocessableMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewBusMetrics = metricspkg.New

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	EventFromEnvelope = ce.FromEnvelope
	EnvelopeFromEvent = ce.ToEnvelope

	RegisterTransport = transportpkg.Register
	BuildTransport    = transportpkg.Build
	GetCapabilities   = transportpkg.GetCapabilities

	Marshal         = jsoncodec.Marshal
	MarshalIndent   = jsoncodec.MarshalIndent
	Unmarshal       = jsoncodec.Unmarshal
	UnmarshalObject = jsoncodec.UnmarshalObject

	NewMessageID = idspkg.NewMessageID

	ErrBind             = errspkg.ErrBind
	ErrSerialization    = errspkg.ErrSerialization
	ErrDecode           = errspkg.ErrDecode
	ErrTimeout          = errspkg.ErrTimeout
	ErrTransport        = errspkg.ErrTransport
	ErrInit             = errspkg.ErrInit
	ErrClosed           = errspkg.ErrClosed
	ErrTopicRequired    = errspkg.ErrTopicRequired
	ErrAddressRequired  = errspkg.ErrAddressRequired
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrMainTaskRequired = errspkg.ErrMainTaskRequired
	ErrFrameTooLarge    = errspkg.ErrFrameTooLarge
)
