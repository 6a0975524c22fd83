package isoflow

import (
	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/reconcile"
	runtimepkg "github.com/drblury/isoflow/internal/runtime"
	configpkg "github.com/drblury/isoflow/internal/runtime/config"
	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/isoflow/internal/runtime/handlers"
	idspkg "github.com/drblury/isoflow/internal/runtime/ids"
	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/submission"
	"github.com/drblury/isoflow/internal/validation"
	"github.com/drblury/isoflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	MessageHandlerRegistration            = runtimepkg.MessageHandlerRegistration
	JSONHandlerRegistration[T any, O any] = handlerpkg.JSONHandlerRegistration[T, O]
	JSONMessageContext[T any]             = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]              = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]      = handlerpkg.JSONMessageHandler[T, O]

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Producer = runtimepkg.Producer
	Metadata = handlerpkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = runtimepkg.UnprocessableEventError
	HandlerInfo             = runtimepkg.HandlerInfo
	HandlerStats            = runtimepkg.HandlerStats
	ErrorClassifier         = runtimepkg.ErrorClassifier
	ErrorCategory           = runtimepkg.ErrorCategory

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	Message        = message.Message
	MessageStatus  = message.Status
	MessageType    = message.Type
	ProcessingStep = message.ProcessingStep

	SubmitRequest    = submission.SubmitRequest
	SubmissionResult = submission.Result
	StatusReport     = submission.StatusReport
	SubmissionError  = submission.Error
	ValidationReport = validation.Report

	NetworkClient        = network.Client
	NetworkEvent         = network.Event
	Notification         = reconcile.Notification
	EventProcessingError = reconcile.EventProcessingError
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks

	NewUnprocessableEventError = runtimepkg.NewUnprocessableEventError
	IsUnprocessable            = runtimepkg.IsUnprocessable

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrInvalidTransition    = message.ErrInvalidTransition

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger
	NewMetadata          = handlerpkg.NewMetadata
	CreateULID           = idspkg.CreateULID
	MapProtocolStatus    = reconcile.MapProtocolStatus
	SubmissionErrorCode  = submission.CodeOf
)

const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventSchema   = handlerpkg.MetadataKeyEventSchema
)

const (
	StatusPending    = message.StatusPending
	StatusProcessing = message.StatusProcessing
	StatusSettled    = message.StatusSettled
	StatusCompleted  = message.StatusCompleted
	StatusFailed     = message.StatusFailed
	StatusRejected   = message.StatusRejected
	StatusCancelled  = message.StatusCancelled
)

const (
	ErrorCategoryNone          = runtimepkg.ErrorCategoryNone
	ErrorCategoryUnprocessable = runtimepkg.ErrorCategoryUnprocessed
	ErrorCategoryDownstream    = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther         = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}
