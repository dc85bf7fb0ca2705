// Package transport builds the external brokers a relay bridges bus topics to.
// Each broker lives in its own sub-package and registers a Builder under its
// name; the relay looks the builder up by the configured broker name.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the broker side of a relay. Publisher receives outbound
// envelopes. Subscriber is only built when the relay has inbound topics and is
// nil otherwise.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both sides. Transports sharing one client for publishing and
// subscribing are closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && !sameClient(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

func sameClient(pub message.Publisher, sub message.Subscriber) bool {
	p, ok := pub.(message.Subscriber)
	return ok && p == sub
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values brokers need without depending on the config
// package.
type Config interface {
	// GetPubSubSystem returns the broker name.
	GetPubSubSystem() string
	// InboundEnabled reports whether a broker subscriber is needed.
	InboundEnabled() bool

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Starter is implemented by subscribers that must be started after every
// topic is subscribed, such as the HTTP server.
type Starter interface {
	Start()
}
