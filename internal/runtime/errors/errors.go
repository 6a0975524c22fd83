package errors

import sterrors "errors"

var (
	ErrServiceRequired             = sterrors.New("isoflow: event service is required")
	ErrHandlerRequired             = sterrors.New("isoflow: handler function is required")
	ErrConsumeQueueRequired        = sterrors.New("isoflow: consume queue is required")
	ErrHandlerNameRequired         = sterrors.New("isoflow: handler name is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("isoflow: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("isoflow: consume message type must be a pointer")
	ErrPublisherRequired           = sterrors.New("isoflow: publisher is required")
	ErrTopicRequired               = sterrors.New("isoflow: topic is required")
	ErrConfigRequired              = sterrors.New("isoflow: configuration is required")
	ErrLoggerRequired              = sterrors.New("isoflow: logger is required")
	ErrEventPayloadRequired        = sterrors.New("isoflow: event payload is required")
	ErrStoreRequired               = sterrors.New("isoflow: message store is required")
	ErrNetworkClientRequired       = sterrors.New("isoflow: settlement network client is required")
	ErrParserRequired              = sterrors.New("isoflow: message parser is required")
	ErrValidatorRequired           = sterrors.New("isoflow: message validator is required")
	ErrPreprocessorRequired        = sterrors.New("isoflow: message preprocessor is required")
	ErrReconcilerRequired          = sterrors.New("isoflow: event reconciler is required")
)
