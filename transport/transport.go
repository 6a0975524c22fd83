// Package transport defines the pluggable event transports the runtime uses to
// consume settlement network events and publish message notifications. Each
// backend lives in its own sub-package and registers itself here.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both halves, returning the first error.
func (t Transport) Close() error {
	var first error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			first = err
		}
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes only the settings transports need, keeping them independent
// of the full config package.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSClientName() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
