package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/handlers"
)

type handlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// MessageHandlerRegistration wires a raw watermill handler. Leave
// PublishQueue empty for consumers that emit nothing.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// RegisterMessageHandler attaches the handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerHandler(handlerRegistration(cfg))
}

func (s *Service) registerHandler(cfg handlerRegistration) error {
	switch {
	case cfg.Handler == nil:
		return errspkg.ErrHandlerRequired
	case cfg.ConsumeQueue == "":
		return errspkg.ErrConsumeQueueRequired
	case cfg.Name == "":
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Publisher == nil {
		cfg.Publisher = s.publisher
	}

	stats := newStatsRecorder()
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, &registeredHandler{
		info:  HandlerInfo{Name: cfg.Name, ConsumeQueue: cfg.ConsumeQueue, PublishQueue: cfg.PublishQueue},
		stats: stats,
	})
	s.handlersMu.Unlock()

	h := s.instrument(cfg, stats)
	if cfg.PublishQueue == "" {
		s.router.AddNoPublisherHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, func(msg *message.Message) error {
			_, err := h(msg)
			return err
		})
		return nil
	}
	s.router.AddHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, cfg.PublishQueue, cfg.Publisher, h)
	return nil
}

type registeredHandler struct {
	info  HandlerInfo
	stats *statsRecorder
}

// Handlers returns every registered handler with its current stats.
func (s *Service) Handlers() []HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]HandlerInfo, len(s.handlers))
	for i, h := range s.handlers {
		out[i] = h.info
		out[i].Stats = h.stats.snapshot()
	}
	return out
}

// instrument records stats and runs the job hooks around handler.
func (s *Service) instrument(cfg handlerRegistration, stats *statsRecorder) message.HandlerFunc {
	classifier := s.getErrorClassifier()
	hooks := s.hooks
	return func(msg *message.Message) ([]*message.Message, error) {
		job := JobContext{
			HandlerName: cfg.Name,
			Topic:       cfg.ConsumeQueue,
			MessageUUID: msg.UUID,
			Metadata:    handlers.FromWatermill(msg.Metadata),
			Context:     msg.Context(),
			StartedAt:   time.Now(),
		}
		if hooks.OnJobStart != nil {
			hooks.OnJobStart(job)
		}

		out, err := cfg.Handler(msg)
		job.Duration = time.Since(job.StartedAt)
		stats.record(job.Duration, err, classifier, time.Now().UTC())

		switch {
		case err != nil && hooks.OnJobError != nil:
			hooks.OnJobError(job, err)
		case err == nil && hooks.OnJobDone != nil:
			hooks.OnJobDone(job)
		}
		return out, err
	}
}
