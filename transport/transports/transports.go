// Package transports imports every built-in transport for registration.
package transports

import (
	_ "github.com/drblury/isoflow/transport/channel"
	_ "github.com/drblury/isoflow/transport/http"
	_ "github.com/drblury/isoflow/transport/kafka"
	_ "github.com/drblury/isoflow/transport/nats"
	_ "github.com/drblury/isoflow/transport/rabbitmq"
)
