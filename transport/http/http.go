// Package http provides the webhook transport: settlement network events
// arrive as HTTP POSTs and notifications are POSTed to a configured base URL.
package http

import (
	"context"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/isoflow/transport"
)

const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the HTTP transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicURL joins the publisher base URL and a topic.
func TopicURL(base, topic string) string {
	return base + topic
}

// Build creates the webhook publisher and subscriber and starts the
// subscriber's HTTP server in the background.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(cfg.GetHTTPServerAddress(), http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				logger.Error("webhook subscriber server stopped", err, watermill.LogFields{"address": cfg.GetHTTPServerAddress()})
			}
		}()
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
