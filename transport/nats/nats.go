// Package nats provides the NATS Core event transport.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/isoflow/transport"
)

const TransportName = "nats"

// DefaultClientName identifies isoflow connections in NATS monitoring.
const DefaultClientName = "isoflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Options returns the connection options applied to both halves.
func Options(cfg transport.Config) []nc.Option {
	name := cfg.GetNATSClientName()
	if name == "" {
		name = DefaultClientName
	}
	return []nc.Option{
		nc.Name(name),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
	}
}

// Build creates a NATS Core publisher/subscriber pair with JetStream disabled.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	opts := Options(cfg)

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: opts,
		Marshaler:   marshaler,
		JetStream:   nats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:         url,
		NatsOptions: opts,
		Unmarshaler: marshaler,
		JetStream:   nats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
