// Package handlers builds typed watermill handlers for JSON payloads.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/ids"
	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

// ErrUndecodable marks payloads that can never be handled, whatever the retry.
var ErrUndecodable = errors.New("handlers: undecodable payload")

// JSONHandlerRegistration wires a typed JSON handler to the router. Leave
// PublishQueue empty for handlers that emit nothing.
type JSONHandlerRegistration[T any, O any] struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      JSONMessageHandler[T, O]
}

// JSONMessageContext is the decoded payload and headers of one message.
type JSONMessageContext[T any] struct {
	Payload  T
	Metadata Metadata
	Logger   logging.ServiceLogger
}

// CloneMetadata copies the incoming headers for use on outgoing messages.
func (c JSONMessageContext[T]) CloneMetadata() Metadata {
	return c.Metadata.Clone()
}

func (c JSONMessageContext[T]) Get(key string) string {
	return c.Metadata[key]
}

// JSONMessageOutput is a message emitted by a JSON handler. Nil Metadata
// inherits the incoming headers.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata Metadata
}

// JSONMessageHandler processes one payload and returns the messages to publish.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONHandler adapts handler to watermill. T must be a pointer type.
// Decoding failures wrap ErrUndecodable.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger logging.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	newPayload, err := prototype[T]()
	if err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	return func(msg *message.Message) ([]*message.Message, error) {
		payload := newPayload()
		if err := jsoncodec.Unmarshal(msg.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}

		md := FromWatermill(msg.Metadata)
		outputs, err := handler(msg.Context(), JSONMessageContext[T]{
			Payload:  payload,
			Metadata: md,
			Logger:   logger.With(logging.LogFields{"message_uuid": msg.UUID}),
		})
		if err != nil {
			return nil, err
		}
		return encodeOutputs(outputs, md)
	}, nil
}

func prototype[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func encodeOutputs[T any](outputs []JSONMessageOutput[T], inherited Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*message.Message, len(outputs))
	for i, out := range outputs {
		if v := reflect.ValueOf(out.Message); !v.IsValid() || v.IsZero() {
			return nil, errors.New("handlers: json handler emitted a zero value message")
		}
		msg, err := NewJSONMessage(out.Message, out.Metadata, inherited)
		if err != nil {
			return nil, err
		}
		result[i] = msg
	}
	return result, nil
}

// NewJSONMessage encodes payload with the schema header set. The first
// non-nil metadata argument is used.
func NewJSONMessage(payload any, metadata ...Metadata) (*message.Message, error) {
	if payload == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("handlers: failed to encode %T: %w", payload, err)
	}

	var md Metadata
	for _, m := range metadata {
		if m != nil {
			md = m
			break
		}
	}
	md = md.With(MetadataKeyEventSchema, fmt.Sprintf("%T", payload))

	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata = ToWatermill(md)
	return msg, nil
}
