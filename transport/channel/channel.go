// Package channel provides the in-process gochannel transport. It is the
// default for local development and tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/isoflow/transport"
)

const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a gochannel pub/sub. Events published before a subscriber
// attaches are kept so the reconciler never misses early network events.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer:            256,
		Persistent:                     true,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
