package runtime

import (
	"errors"
	"fmt"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/runtime/handlers"
	idspkg "github.com/drblury/isoflow/internal/runtime/ids"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

// MetricPoisonMessages counts events moved to the poison queue.
const MetricPoisonMessages = "isoflow_poison_messages_total"

// MiddlewareBuilder constructs a handler middleware for a Service. A nil
// middleware with a nil error skips the registration.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration is either a ready middleware or a builder for one.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig tunes the retry middleware. Zero values fall back to
// the service configuration and then to library defaults.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return !IsUnprocessable(err) }
	}
	return cfg
}

// DefaultMiddlewares is the chain installed by NewService. The poison queue
// sits outside retry so only exhausted or unprocessable events are moved.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds watermill's Prometheus router metrics and exposes
// /metrics on Conf.MetricsPort.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := wmmetrics.NewPrometheusMetricsBuilder(
				prometheus.DefaultRegisterer,
				"isoflow",
				s.Conf.PubSubSystem,
			)
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}
			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware assigns a correlation id to incoming events that
// lack one and copies it onto every produced message.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled events at debug level.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps each delivery in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RetryMiddleware retries failed deliveries with exponential backoff.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if cfg.MaxRetries <= 0 {
				cfg.MaxRetries = s.Conf.RetryMaxRetries
			}
			if cfg.InitialInterval <= 0 {
				cfg.InitialInterval = s.Conf.RetryInitialInterval
			}
			if cfg.MaxInterval <= 0 {
				cfg.MaxInterval = s.Conf.RetryMaxInterval
			}
			return retryMiddleware(cfg.withDefaults(), s.Logger), nil
		},
	}
}

// PoisonQueueMiddleware moves events whose error matches filter to
// Conf.PoisonQueue. A nil filter matches unprocessable events only.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = IsUnprocessable
			}
			return s.poisonMiddleware(f)
		},
	}
}

// RecovererMiddleware turns handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches a middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		id := msg.Metadata.Get(handlers.MetadataKeyCorrelationID)
		if id == "" {
			id = idspkg.CreateULID()
			msg.Metadata.Set(handlers.MetadataKeyCorrelationID, id)
		}
		produced, err := h(msg)
		for _, out := range produced {
			if out.Metadata.Get(handlers.MetadataKeyCorrelationID) == "" {
				out.Metadata.Set(handlers.MetadataKeyCorrelationID, id)
			}
		}
		return produced, err
	}
}

func logMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", logging.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer("github.com/drblury/isoflow/runtime").Start(msg.Context(), "ProcessMessage")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("messaging.handler", message.HandlerNameFromCtx(ctx)),
			attribute.String("isoflow.correlation_id", msg.Metadata.Get(handlers.MetadataKeyCorrelationID)),
		)
		produced, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return produced, err
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger logging.ServiceLogger) message.HandlerMiddleware {
	return middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
		Logger: logging.NewWatermillAdapter(logging.OrNop(logger)),
	}.Middleware
}

func (s *Service) poisonMiddleware(filter func(error) bool) (message.HandlerMiddleware, error) {
	if s.Conf == nil {
		return nil, errors.New("service config is required for poison queue middleware")
	}
	if s.publisher == nil {
		return nil, errors.New("publisher is required for poison queue middleware")
	}

	poison, err := middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, filter)
	if err != nil {
		return nil, fmt.Errorf("runtime: poison queue: %w", err)
	}

	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err == nil || !filter(err) {
				return produced, err
			}
			msg.Metadata.Set(handlers.MetadataKeyHandler, message.HandlerNameFromCtx(msg.Context()))
			s.sink.IncrementCounter(MetricPoisonMessages, metrics.Tags{"topic": message.SubscribeTopicFromCtx(msg.Context())})
			s.Logger.Error("Moving event to poison queue", err, logging.LogFields{
				"message_uuid": msg.UUID,
				"poison_queue": s.Conf.PoisonQueue,
			})
			return poison(func(*message.Message) ([]*message.Message, error) { return nil, err })(msg)
		}
	}, nil
}
