// Package reconcile applies asynchronous settlement network events to the
// stored messages they refer to.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/isoflow/internal/cache"
	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/runtime"
	rterrors "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/handlers"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/store"
	"github.com/drblury/isoflow/internal/submission"
)

const MetricEventsProcessed = "isoflow_events_processed_total"

const outcomeSuccess = "success"

// Notification is emitted after an event has been applied and persisted.
type Notification struct {
	EventID           string            `json:"event_id"`
	EventType         network.EventType `json:"event_type"`
	MessageID         string            `json:"message_id"`
	ProtocolMessageID string            `json:"protocol_message_id"`
	PreviousStatus    message.Status    `json:"previous_status"`
	Status            message.Status    `json:"status"`
	RetryCount        int               `json:"retry_count"`
	Version           int               `json:"version"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

type Option func(*Reconciler)

// WithNotifications publishes every Notification as JSON to topic.
func WithNotifications(producer runtime.Producer, topic string) Option {
	return func(r *Reconciler) {
		r.producer = producer
		r.topic = topic
	}
}

// WithStatusCache evicts the cached status report of reconciled messages.
func WithStatusCache(c cache.Cache) Option {
	return func(r *Reconciler) { r.cache = c }
}

func WithMetricsSink(sink metrics.Sink) Option {
	return func(r *Reconciler) { r.sink = sink }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) { r.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler applies network events to messages. Each event is handled to
// completion before Handle returns.
type Reconciler struct {
	store    store.MessageRepository
	producer runtime.Producer
	topic    string
	cache    cache.Cache
	sink     metrics.Sink
	logger   logging.ServiceLogger
	tracer   trace.Tracer
	now      func() time.Time

	mu          sync.Mutex
	subscribers map[int]func(Notification)
	nextSubID   int
}

func New(repo store.MessageRepository, opts ...Option) (*Reconciler, error) {
	if repo == nil {
		return nil, rterrors.ErrStoreRequired
	}
	r := &Reconciler{
		store:       repo,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: map[int]func(Notification){},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sink = metrics.OrNop(r.sink)
	r.logger = logging.OrNop(r.logger)
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/drblury/isoflow/reconcile")
	}
	return r, nil
}

// Subscribe registers fn for every Notification. Callbacks run on the
// goroutine that handled the event.
func (r *Reconciler) Subscribe(fn func(Notification)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// Handle applies ev to the message it names and persists the result.
func (r *Reconciler) Handle(ctx context.Context, ev network.Event) (err error) {
	ctx, span := r.tracer.Start(ctx, "reconcile."+string(ev.Type), trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("protocol_message_id", ev.ProtocolMessageID),
	))
	log := r.logger.With(logging.LogFields{
		"event_id":            ev.ID,
		"event_type":          ev.Type,
		"protocol_message_id": ev.ProtocolMessageID,
	})
	defer func() {
		outcome := outcomeSuccess
		if err != nil {
			outcome = CodeOf(err)
			log.Error("Failed to reconcile network event", err, nil)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		r.sink.IncrementCounter(MetricEventsProcessed, metrics.Tags{"event_type": string(ev.Type), "outcome": outcome})
	}()

	fail := func(code string, cause error) error {
		return &EventProcessingError{Code: code, EventType: ev.Type, ProtocolMessageID: ev.ProtocolMessageID, Err: cause}
	}
	switch {
	case !ev.Type.IsKnown():
		return fail(CodeUnknownEventType, fmt.Errorf("unsupported event type %q", ev.Type))
	case ev.ProtocolMessageID == "":
		return fail(CodeInvalidEvent, errors.New("protocol message id is required"))
	}

	msg, err := r.store.FindByProtocolID(ctx, ev.ProtocolMessageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(CodeMessageNotFound, err)
	case err != nil:
		return fail(CodeStorageError, err)
	}

	previous := msg.Status
	r.apply(msg, ev)
	if err := r.store.Update(ctx, msg); err != nil {
		return fail(CodeStorageError, err)
	}
	r.evict(ctx, msg.ID, log)

	log.Info("Reconciled network event", logging.LogFields{
		"message_id":      msg.ID,
		"previous_status": previous,
		"status":          msg.Status,
		"version":         msg.Version,
	})
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.String("message.status", string(msg.Status)))

	r.notify(ctx, Notification{
		EventID:           ev.ID,
		EventType:         ev.Type,
		MessageID:         msg.ID,
		ProtocolMessageID: ev.ProtocolMessageID,
		PreviousStatus:    previous,
		Status:            msg.Status,
		RetryCount:        msg.RetryCount,
		Version:           msg.Version,
		OccurredAt:        r.occurredAt(ev),
	}, log)
	return nil
}

// apply mirrors the network's view onto msg. The network is the source of
// truth, so statuses are set without lifecycle checks.
func (r *Reconciler) apply(msg *message.Message, ev network.Event) {
	md := msg.Metadata()
	details := map[string]any{"event_id": ev.ID}
	if ev.BlockNumber != 0 {
		md.BlockNumber = ev.BlockNumber
		details["block_number"] = ev.BlockNumber
	}
	if ev.BlockHash != "" {
		md.BlockHash = ev.BlockHash
		details["block_hash"] = ev.BlockHash
	}
	if ev.TransactionHash != "" {
		msg.TransactionHash = ev.TransactionHash
		details["transaction_hash"] = ev.TransactionHash
	}
	stepStatus := message.StepCompleted

	switch ev.Type {
	case network.EventSubmissionInitiated:
		msg.SetStatus(message.StatusPending)

	case network.EventProcessingCompleted:
		status := MapProtocolStatus(ev.Status)
		msg.SetStatus(status)
		md.ProtocolStatus = ev.Status
		details["protocol_status"] = ev.Status
		if status == message.StatusFailed || status == message.StatusRejected {
			stepStatus = message.StepFailed
			reason := fmt.Sprintf("network reported status %q", ev.Status)
			if detail, ok := ev.Details["error"].(string); ok && detail != "" {
				reason = detail
			}
			msg.ErrorMessage = reason
			md.LastError = reason
			details["error"] = reason
		}

	case network.EventRetryInitiated:
		// The orchestrator counts its own resubmissions; the event only
		// moves the counter forward when the network has seen more.
		msg.RetryCount = max(msg.RetryCount, ev.RetryCount)
		details["retry_count"] = msg.RetryCount
	}

	maps.Copy(details, ev.Details)
	msg.AddProcessingStep(string(ev.Type), stepStatus, details, r.occurredAt(ev))
}

func (r *Reconciler) occurredAt(ev network.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return r.now()
	}
	return ev.Timestamp
}

func (r *Reconciler) evict(ctx context.Context, id string, log logging.ServiceLogger) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, submission.StatusCacheKey(id)); err != nil {
		log.Error("Failed to evict cached status", err, logging.LogFields{"message_id": id})
	}
}

// notify fans n out to local subscribers and the notification topic. A
// failed publish is logged; the event itself has been applied.
func (r *Reconciler) notify(ctx context.Context, n Notification, log logging.ServiceLogger) {
	r.mu.Lock()
	subs := make([]func(Notification), 0, len(r.subscribers))
	for _, id := range slices.Sorted(maps.Keys(r.subscribers)) {
		subs = append(subs, r.subscribers[id])
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(n)
	}

	if r.producer == nil || r.topic == "" {
		return
	}
	md := handlers.NewMetadata(
		network.MetadataEventType, string(n.EventType),
		network.MetadataProtocolID, n.ProtocolMessageID,
	)
	if err := r.producer.PublishJSON(ctx, r.topic, &n, md); err != nil {
		log.Error("Failed to publish message notification", err, logging.LogFields{"topic": r.topic, "message_id": n.MessageID})
	}
}

// Poll asks the network for its view of protocolID and applies it as a
// processing_completed event once the network reports a final status. It
// returns false while the message is still in flight.
func (r *Reconciler) Poll(ctx context.Context, client network.Client, protocolID string) (bool, error) {
	res, err := client.GetMessageResult(ctx, protocolID)
	if err != nil {
		r.logger.Error("Failed to poll message result", err, logging.LogFields{"protocol_message_id": protocolID})
		return false, fmt.Errorf("reconcile: poll %s: %w", protocolID, err)
	}
	if inFlight(res.Status) {
		return false, nil
	}
	details := map[string]any{"source": "poll"}
	if res.Error != "" {
		details["error"] = res.Error
	}
	err = r.Handle(ctx, network.Event{
		Type:              network.EventProcessingCompleted,
		ProtocolMessageID: protocolID,
		Status:            res.Status,
		Timestamp:         r.now(),
		Details:           details,
	})
	return err == nil, err
}
