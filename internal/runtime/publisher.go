package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/handlers"
)

// Producer emits JSON events onto a topic.
type Producer interface {
	PublishJSON(ctx context.Context, topic string, event any, metadata handlers.Metadata) error
}

var _ Producer = (*Service)(nil)

// PublishJSON encodes event and publishes it to topic.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, event any, metadata handlers.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := handlers.NewJSONMessage(event, metadata)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishJSON publishes through the service transport.
func (s *Service) PublishJSON(ctx context.Context, topic string, event any, metadata handlers.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishJSON(ctx, s.publisher, topic, event, metadata)
}

// Publisher exposes the transport publisher, for example to feed network
// events into the service from an in-process source.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}
