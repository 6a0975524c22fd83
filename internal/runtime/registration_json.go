package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/handlers"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

// RegisterJSONHandler converts the typed JSON handler into a watermill
// handler and registers it. Undecodable payloads surface as
// UnprocessableEventError so the poison queue takes them.
func RegisterJSONHandler[T any, O any](svc *Service, cfg handlers.JSONHandlerRegistration[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlers.BuildJSONHandler(cfg.Handler, svc.Logger.With(logging.LogFields{"handler": cfg.Name}))
	if err != nil {
		return err
	}

	return svc.registerHandler(handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			out, err := wrapped(msg)
			if errors.Is(err, handlers.ErrUndecodable) && !IsUnprocessable(err) {
				return nil, NewUnprocessableEventError(msg.Payload, err)
			}
			return out, err
		},
	})
}
