package runtime

import (
	"context"
	"time"

	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/runtime/handlers"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

const (
	MetricHandlerMessages = "isoflow_handler_messages_total"
	MetricHandlerDuration = "isoflow_handler_duration_seconds"
)

// JobContext describes one handler invocation.
type JobContext struct {
	HandlerName string
	Topic       string
	MessageUUID string
	Metadata    handlers.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is set for OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional callbacks around every handler invocation.
type JobHooks struct {
	OnJobStart func(JobContext)
	OnJobDone  func(JobContext)
	OnJobError func(JobContext, error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErr(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks logs completion at debug level and failures at error level.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	logger = logging.OrNop(logger)
	fields := func(ctx JobContext) logging.LogFields {
		return logging.LogFields{
			"handler":        ctx.HandlerName,
			"topic":          ctx.Topic,
			"message_uuid":   ctx.MessageUUID,
			"correlation_id": ctx.Metadata.CorrelationID(),
			"duration_ms":    ctx.Duration.Milliseconds(),
		}
	}
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Handler completed", fields(ctx))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Handler failed", err, fields(ctx))
		},
	}
}

// MetricsHooks counts invocations and observes their duration per handler.
func MetricsHooks(sink metrics.Sink) JobHooks {
	sink = metrics.OrNop(sink)
	observe := func(ctx JobContext, outcome string) {
		tags := metrics.Tags{"handler": ctx.HandlerName, "outcome": outcome}
		sink.IncrementCounter(MetricHandlerMessages, tags)
		sink.ObserveHistogram(MetricHandlerDuration, ctx.Duration.Seconds(), tags)
	}
	return JobHooks{
		OnJobDone:  func(ctx JobContext) { observe(ctx, "success") },
		OnJobError: func(ctx JobContext, _ error) { observe(ctx, "error") },
	}
}
