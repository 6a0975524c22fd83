// Package submission drives messages from raw XML to the settlement network
// and back: submit, retry, cancel and status queries.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/isoflow/internal/cache"
	"github.com/drblury/isoflow/internal/iso20022"
	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/preprocess"
	rterrors "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/ids"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/store"
	"github.com/drblury/isoflow/internal/validation"
)

// Operation names used in errors, spans and metric tags.
const (
	OpSubmit = "submit"
	OpRetry  = "retry"
	OpCancel = "cancel"
	OpStatus = "status"
)

const (
	MetricSubmissions        = "isoflow_submissions_total"
	MetricSubmissionDuration = "isoflow_submission_duration_seconds"
)

// Processing step names written by the orchestrator.
const (
	StepFeeQuote            = "fee_quote"
	StepSubmission          = "submission"
	StepSubmissionConfirmed = "submission_confirmed"
	StepRetry               = "retry"
	StepCancellation        = "cancellation"
)

const (
	outcomeSuccess            = "success"
	outcomeConfirmationFailed = "confirmation_failed"
)

// Parser turns raw XML into a parsed message.
type Parser interface {
	Parse(raw string) (*iso20022.ParsedMessage, error)
}

// Validator moves a DRAFT message to VALIDATED or VALIDATION_FAILED.
type Validator interface {
	ValidateMessage(ctx context.Context, msg *message.Message) (validation.Report, error)
}

// Preprocessor moves a VALIDATED message to READY.
type Preprocessor interface {
	Prepare(ctx context.Context, msg *message.Message) (*preprocess.Payload, error)
}

// Dependencies are the collaborators of an Orchestrator. All are required.
type Dependencies struct {
	Store        store.MessageRepository
	Network      network.Client
	Parser       Parser
	Validator    Validator
	Preprocessor Preprocessor
}

// Config tunes the orchestrator.
type Config struct {
	// MaxMessageRetries bounds RetryMessage per message.
	MaxMessageRetries int
	// ConfirmationTimeout bounds the wait for a submitted transaction.
	ConfirmationTimeout time.Duration
	// StatusCacheTTL is how long GetMessageStatus results are reused.
	StatusCacheTTL time.Duration
}

var DefaultConfig = Config{
	MaxMessageRetries:   3,
	ConfirmationTimeout: 2 * time.Minute,
	StatusCacheTTL:      30 * time.Second,
}

// SubmitRequest is the input of SubmitMessage.
type SubmitRequest struct {
	XML           string
	InstitutionID string
	CreatedBy     string
	DraftID       string
	// TargetChain overrides chain routing when set.
	TargetChain string
	// MaxFee rejects the submission when the quoted total is higher. Zero
	// means no limit.
	MaxFee int64
}

// Result describes the outcome of SubmitMessage or RetryMessage. A
// confirmation failure is reported through Message.Status, not an error.
type Result struct {
	Message    *message.Message
	Fee        network.Fee
	Validation validation.Report
}

// Confirmed reports whether the network confirmed the transaction.
func (r *Result) Confirmed() bool {
	return r.Message != nil && r.Message.Status == message.StatusPending
}

// StatusReport is the tracked state of a message.
type StatusReport struct {
	MessageID         string          `json:"message_id"`
	Status            message.Status  `json:"status"`
	ProtocolMessageID string          `json:"protocol_message_id,omitempty"`
	TransactionHash   string          `json:"transaction_hash,omitempty"`
	RetryCount        int             `json:"retry_count"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Network           *network.Result `json:"network,omitempty"`
	CheckedAt         time.Time       `json:"checked_at"`
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithStatusCache caches GetMessageStatus results.
func WithStatusCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

func WithMetricsSink(sink metrics.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces ids.NewMessageID for new messages.
func WithIDGenerator(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// Orchestrator coordinates parsing, validation, preprocessing and network
// submission of messages.
type Orchestrator struct {
	store     store.MessageRepository
	network   network.Client
	parser    Parser
	validator Validator
	pre       Preprocessor

	cfg    Config
	cache  cache.Cache
	sink   metrics.Sink
	logger logging.ServiceLogger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, rterrors.ErrStoreRequired
	case deps.Network == nil:
		return nil, rterrors.ErrNetworkClientRequired
	case deps.Parser == nil:
		return nil, rterrors.ErrParserRequired
	case deps.Validator == nil:
		return nil, rterrors.ErrValidatorRequired
	case deps.Preprocessor == nil:
		return nil, rterrors.ErrPreprocessorRequired
	}
	o := &Orchestrator{
		store:     deps.Store,
		network:   deps.Network,
		parser:    deps.Parser,
		validator: deps.Validator,
		pre:       deps.Preprocessor,
		cfg:       DefaultConfig,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     ids.NewMessageID,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxMessageRetries < 0 {
		return nil, fmt.Errorf("submission: max message retries must be >= 0, got %d", o.cfg.MaxMessageRetries)
	}
	if o.cfg.ConfirmationTimeout <= 0 {
		o.cfg.ConfirmationTimeout = DefaultConfig.ConfirmationTimeout
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/drblury/isoflow/internal/submission")
	}
	o.sink = metrics.OrNop(o.sink)
	o.logger = logging.OrNop(o.logger).With(logging.LogFields{"component": "submission"})
	return o, nil
}

// call carries the bookkeeping shared by every operation.
type call struct {
	op      string
	start   time.Time
	span    trace.Span
	log     logging.ServiceLogger
	outcome string
}

func (o *Orchestrator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, *call) {
	ctx, span := o.tracer.Start(ctx, "submission."+op, trace.WithAttributes(attrs...))
	return ctx, &call{op: op, start: o.now(), span: span, log: o.logger.With(logging.LogFields{"operation": op})}
}

func (o *Orchestrator) end(c *call, err error) {
	outcome := c.outcome
	if err != nil {
		outcome = CodeOf(err)
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, outcome)
	} else if outcome == "" {
		outcome = outcomeSuccess
	}
	c.span.SetAttributes(attribute.String("outcome", outcome))
	c.span.End()

	tags := metrics.Tags{"operation": c.op, "outcome": outcome}
	o.sink.IncrementCounter(MetricSubmissions, tags)
	o.sink.ObserveHistogram(MetricSubmissionDuration, o.now().Sub(c.start).Seconds(), tags)
}

// fail logs and builds an *Error.
func (c *call) fail(code, messageID string, err error, issues ...message.Issue) *Error {
	e := &Error{Code: code, Op: c.op, MessageID: messageID, Issues: issues, Err: err}
	c.log.Error("Submission operation failed", e, logging.LogFields{"code": code, "message_id": messageID})
	return e
}

// SubmitMessage parses, validates, prepares and submits raw XML, then waits
// for the network to confirm the transaction.
func (o *Orchestrator) SubmitMessage(ctx context.Context, req SubmitRequest) (res *Result, err error) {
	ctx, c := o.begin(ctx, OpSubmit, attribute.String("institution_id", req.InstitutionID))
	defer func() { o.end(c, err) }()

	if strings.TrimSpace(req.XML) == "" {
		return nil, c.fail(CodeInvalidInput, "", errors.New("message XML is required"))
	}
	if strings.TrimSpace(req.InstitutionID) == "" {
		return nil, c.fail(CodeInvalidInput, "", errors.New("institution id is required"))
	}
	if req.MaxFee < 0 {
		return nil, c.fail(CodeInvalidInput, "", fmt.Errorf("max fee must be >= 0, got %d", req.MaxFee))
	}

	parsed, err := o.parser.Parse(req.XML)
	if err != nil {
		var verr *iso20022.ValidationError
		if errors.As(err, &verr) {
			return nil, c.fail(CodeValidationError, "", err, verr.Issues...)
		}
		return nil, c.fail(CodeValidationError, "", err)
	}

	msg := parsed.NewMessage(o.newID(), req.InstitutionID)
	msg.CreatedBy = req.CreatedBy
	msg.DraftID = req.DraftID
	msg.TargetChain = req.TargetChain
	c.span.SetAttributes(attribute.String("message_id", msg.ID), attribute.String("message_type", string(msg.Type)))
	c.log = c.log.With(logging.LogFields{"message_id": msg.ID})
	if err := o.store.Insert(ctx, msg); err != nil {
		return nil, c.fail(CodeStorageError, msg.ID, err)
	}

	res = &Result{Message: msg}
	res.Validation, err = o.validator.ValidateMessage(ctx, msg)
	if err != nil {
		return res, c.fail(CodeValidationError, msg.ID, err)
	}
	if !res.Validation.Valid {
		return res, c.fail(CodeValidationError, msg.ID, errors.New("message failed validation"), res.Validation.Issues()...)
	}
	if !msg.CanSubmitToProtocol() {
		return res, c.fail(CodeValidationError, msg.ID, fmt.Errorf("message in status %s cannot be submitted", msg.Status))
	}

	payload, err := o.pre.Prepare(ctx, msg)
	if err != nil {
		return res, c.fail(CodePreprocessingFailed, msg.ID, err)
	}

	res.Fee, err = o.network.QuoteMessageFee(ctx, payload.Submission)
	if err != nil {
		o.markFailed(ctx, c, msg, StepFeeQuote, err)
		return res, c.fail(networkCode(err, CodeSubmissionFailed), msg.ID, err)
	}
	if req.MaxFee > 0 && res.Fee.Total() > req.MaxFee {
		err := fmt.Errorf("quoted fee %d exceeds limit %d", res.Fee.Total(), req.MaxFee)
		o.markFailed(ctx, c, msg, StepFeeQuote, err)
		return res, c.fail(CodeFeeLimitExceeded, msg.ID, err)
	}

	tx, err := o.network.SubmitMessage(ctx, payload.Submission)
	if err != nil {
		o.markFailed(ctx, c, msg, StepSubmission, err)
		return res, c.fail(networkCode(err, CodeSubmissionFailed), msg.ID, err)
	}

	if err := msg.TransitionTo(message.StatusSubmitting); err != nil {
		return res, c.fail(CodeSubmissionFailed, msg.ID, err)
	}
	msg.ProtocolMessageID = tx.ProtocolMessageID()
	msg.TransactionHash = tx.Hash()
	msg.AddProcessingStep(StepSubmission, message.StepCompleted, map[string]any{
		"protocol_message_id": msg.ProtocolMessageID,
		"transaction_hash":    msg.TransactionHash,
		"fee":                 res.Fee.Total(),
		"target_chain":        payload.Submission.TargetChain,
	}, o.now())
	if err := o.store.Update(ctx, msg); err != nil {
		return res, c.fail(CodeStorageError, msg.ID, err)
	}
	c.span.SetAttributes(attribute.String("protocol_message_id", msg.ProtocolMessageID))

	if err := o.confirm(ctx, c, msg, tx); err != nil {
		return res, err
	}
	return res, nil
}

// RetryMessage resubmits a FAILED or REJECTED message under its existing
// protocol id.
func (o *Orchestrator) RetryMessage(ctx context.Context, id string) (res *Result, err error) {
	ctx, c := o.begin(ctx, OpRetry, attribute.String("message_id", id))
	defer func() { o.end(c, err) }()
	c.log = c.log.With(logging.LogFields{"message_id": id})

	msg, err := o.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	res = &Result{Message: msg}
	switch {
	case msg.Status != message.StatusFailed && msg.Status != message.StatusRejected:
		return res, c.fail(CodeValidationError, id, fmt.Errorf("message in status %s cannot be retried", msg.Status))
	case msg.RetryCount >= o.cfg.MaxMessageRetries:
		return res, c.fail(CodeValidationError, id, fmt.Errorf("retry limit of %d reached", o.cfg.MaxMessageRetries))
	case msg.ProtocolMessageID == "":
		return res, c.fail(CodeValidationError, id, errors.New("message was never submitted to the network"))
	}

	tx, err := o.network.RetryMessage(ctx, msg.ProtocolMessageID)
	if err != nil {
		msg.AddProcessingStep(StepRetry, message.StepFailed, map[string]any{"error": err.Error()}, o.now())
		if uerr := o.store.Update(ctx, msg); uerr != nil {
			c.log.Error("Failed to persist retry failure", uerr, nil)
		}
		return res, c.fail(networkCode(err, CodeSubmissionFailed), id, err)
	}

	if err := msg.TransitionTo(message.StatusSubmitting); err != nil {
		return res, c.fail(CodeSubmissionFailed, id, err)
	}
	msg.RetryCount++
	msg.TransactionHash = tx.Hash()
	msg.ErrorMessage = ""
	msg.AddProcessingStep(StepRetry, message.StepCompleted, map[string]any{
		"retry_count":      msg.RetryCount,
		"transaction_hash": msg.TransactionHash,
	}, o.now())
	if err := o.store.Update(ctx, msg); err != nil {
		return res, c.fail(CodeStorageError, id, err)
	}

	if err := o.confirm(ctx, c, msg, tx); err != nil {
		return res, err
	}
	return res, nil
}

// CancelMessage cancels a PENDING message on the network.
func (o *Orchestrator) CancelMessage(ctx context.Context, id string) (msg *message.Message, err error) {
	ctx, c := o.begin(ctx, OpCancel, attribute.String("message_id", id))
	defer func() { o.end(c, err) }()
	c.log = c.log.With(logging.LogFields{"message_id": id})

	msg, err = o.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != message.StatusPending {
		return msg, c.fail(CodeValidationError, id, fmt.Errorf("message in status %s cannot be cancelled", msg.Status))
	}

	ok, err := o.network.CancelMessage(ctx, msg.ProtocolMessageID)
	if err != nil {
		return msg, c.fail(networkCode(err, CodeCancellationFailed), id, err)
	}
	if !ok {
		return msg, c.fail(CodeCancellationFailed, id, errors.New("network refused cancellation"))
	}

	if err := msg.TransitionTo(message.StatusCancelled); err != nil {
		return msg, c.fail(CodeCancellationFailed, id, err)
	}
	msg.AddProcessingStep(StepCancellation, message.StepCompleted, map[string]any{"protocol_message_id": msg.ProtocolMessageID}, o.now())
	if err := o.store.Update(ctx, msg); err != nil {
		return msg, c.fail(CodeStorageError, id, err)
	}
	o.forget(ctx, id)
	c.log.Info("Message cancelled", nil)
	return msg, nil
}

// GetMessageStatus returns the stored state of a message together with the
// network's view of it. Results are cached for StatusCacheTTL.
func (o *Orchestrator) GetMessageStatus(ctx context.Context, id string) (report StatusReport, err error) {
	ctx, c := o.begin(ctx, OpStatus, attribute.String("message_id", id))
	defer func() { o.end(c, err) }()
	c.log = c.log.With(logging.LogFields{"message_id": id})

	if o.cache != nil {
		if cached, ok := cache.GetJSON[StatusReport](ctx, o.cache, StatusCacheKey(id)); ok {
			c.outcome = "cached"
			return cached, nil
		}
	}

	msg, err := o.load(ctx, c, id)
	if err != nil {
		return StatusReport{}, err
	}
	report = StatusReport{
		MessageID:         msg.ID,
		Status:            msg.Status,
		ProtocolMessageID: msg.ProtocolMessageID,
		TransactionHash:   msg.TransactionHash,
		RetryCount:        msg.RetryCount,
		ErrorMessage:      msg.ErrorMessage,
		CheckedAt:         o.now(),
	}
	if msg.ProtocolMessageID != "" {
		result, err := o.network.GetMessageResult(ctx, msg.ProtocolMessageID)
		if err != nil {
			return report, c.fail(networkCode(err, CodeNetworkUnavailable), id, err)
		}
		report.Network = &result
	}

	if o.cache != nil && o.cfg.StatusCacheTTL > 0 {
		if err := cache.SetJSON(ctx, o.cache, StatusCacheKey(id), report, o.cfg.StatusCacheTTL); err != nil {
			c.log.Error("Failed to cache message status", err, nil)
		}
	}
	return report, nil
}

// confirm waits for tx within ConfirmationTimeout. A failed confirmation
// marks the message FAILED and is not returned as an error.
func (o *Orchestrator) confirm(ctx context.Context, c *call, msg *message.Message, tx network.PendingTransaction) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmationTimeout)
	defer cancel()

	receipt, err := tx.Wait(waitCtx)
	defer o.forget(ctx, msg.ID)
	if err != nil {
		c.outcome = outcomeConfirmationFailed
		c.log.Error("Transaction was not confirmed", err, logging.LogFields{"transaction_hash": tx.Hash()})
		if err := msg.TransitionTo(message.StatusFailed); err != nil {
			return c.fail(CodeSubmissionFailed, msg.ID, err)
		}
		msg.ErrorMessage = err.Error()
		msg.Metadata().LastError = err.Error()
		msg.AddProcessingStep(StepSubmissionConfirmed, message.StepFailed, map[string]any{
			"transaction_hash": tx.Hash(),
			"error":            err.Error(),
		}, o.now())
		if err := o.store.Update(ctx, msg); err != nil {
			return c.fail(CodeStorageError, msg.ID, err)
		}
		return nil
	}

	if err := msg.TransitionTo(message.StatusPending); err != nil {
		return c.fail(CodeSubmissionFailed, msg.ID, err)
	}
	meta := msg.Metadata()
	meta.BlockNumber = receipt.BlockNumber
	meta.BlockHash = receipt.BlockHash
	meta.GasUsed = receipt.GasUsed
	msg.AddProcessingStep(StepSubmissionConfirmed, message.StepCompleted, map[string]any{
		"transaction_hash": tx.Hash(),
		"block_number":     receipt.BlockNumber,
	}, o.now())
	if err := o.store.Update(ctx, msg); err != nil {
		return c.fail(CodeStorageError, msg.ID, err)
	}
	c.log.Info("Transaction confirmed", logging.LogFields{"block_number": receipt.BlockNumber, "transaction_hash": tx.Hash()})
	return nil
}

// markFailed records a pre-submission failure on a READY message.
func (o *Orchestrator) markFailed(ctx context.Context, c *call, msg *message.Message, step string, cause error) {
	if err := msg.TransitionTo(message.StatusFailed); err != nil {
		c.log.Error("Unexpected submission transition", err, nil)
		return
	}
	msg.ErrorMessage = cause.Error()
	msg.AddProcessingStep(step, message.StepFailed, map[string]any{"error": cause.Error()}, o.now())
	if err := o.store.Update(ctx, msg); err != nil {
		c.log.Error("Failed to persist submission failure", err, nil)
	}
}

func (o *Orchestrator) load(ctx context.Context, c *call, id string) (*message.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, c.fail(CodeInvalidInput, "", errors.New("message id is required"))
	}
	msg, err := o.store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, c.fail(CodeNotFound, id, err)
	case err != nil:
		return nil, c.fail(CodeStorageError, id, err)
	case msg.IsDeleted():
		return nil, c.fail(CodeNotFound, id, store.ErrNotFound)
	}
	return msg, nil
}

func (o *Orchestrator) forget(ctx context.Context, id string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Delete(ctx, StatusCacheKey(id)); err != nil {
		o.logger.Error("Failed to evict cached status", err, logging.LogFields{"message_id": id})
	}
}

// StatusCacheKey is the cache key of the status report of message id.
func StatusCacheKey(id string) string {
	return "status:" + id
}

func networkCode(err error, fallback string) string {
	if errors.Is(err, network.ErrCircuitOpen) {
		return CodeNetworkUnavailable
	}
	return fallback
}
