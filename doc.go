// Package simbus is the messaging and service runtime of the ETF trading
// simulation. Every process of the simulation exchanges envelopes over local
// (ipc://) or network (tcp://) sockets in one of four roles: Publisher and
// Subscriber for fan-out streams, Requester and Responder for request/reply.
//
// # Envelopes
//
// An envelope carries an id, a topic, a millisecond timestamp, a schema
// version, an optional correlation id and a JSON-like payload. On the wire it
// is a two-part frame, the topic followed by the body. The body is protobuf by
// default or JSON when ENVELOPE_FORMAT=json; subscribers accept both.
//
// # Services
//
// Binaries are built with Main and a BuildFunc. Main reads the configuration
// from the environment, builds the logger and, when METRICS_PORT is set, the
// bus metrics, then runs the Service the BuildFunc returns:
//
//	func main() {
//		simbus.Main("mdsim", func(ctx context.Context, env *simbus.Env) (*simbus.Service, error) {
//			var pub *simbus.Publisher
//			return env.NewService(simbus.ServiceConfig{
//				Init: func(ctx context.Context) (err error) {
//					pub, err = simbus.OpenPublisher(ctx, addr, env.SocketOptions())
//					return err
//				},
//				Main: func(ctx context.Context) error { return generator.Run(ctx, pub) },
//			})
//		})
//	}
//
// A Service runs Init, then its main and background tasks concurrently. The
// first task to return, or SIGINT/SIGTERM, drains the rest within the grace
// period; shutdown hooks then run in order and every socket the service
// opened is closed.
//
// # Relay
//
// The relay bridges bus topics to an external broker (Kafka, RabbitMQ, NATS,
// AWS SNS/SQS, HTTP, a file or Go channels) through a Watermill router with
// the default middleware chain, and republishes inbound broker topics on the
// bus.
//
// # Errors
//
// Failures are typed: BindError, SerializationError, DecodeError,
// TimeoutError, TransportError, InitError and ConfigValidationError. Each
// matches its Err* sentinel with errors.Is.
package simbus
