// Package transports imports every built-in broker for registration. Binaries
// that select the broker from configuration import it for its side effects.
package transports

import (
	_ "github.com/drblury/simbus/transport/aws"
	_ "github.com/drblury/simbus/transport/channel"
	_ "github.com/drblury/simbus/transport/http"
	_ "github.com/drblury/simbus/transport/io"
	_ "github.com/drblury/simbus/transport/kafka"
	_ "github.com/drblury/simbus/transport/nats"
	_ "github.com/drblury/simbus/transport/rabbitmq"
)
