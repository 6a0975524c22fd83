// Package preprocess turns a validated message into the payload submitted
// to the settlement network.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/store"
)

const (
	// StepPreprocessing is the processing step name written by Prepare.
	StepPreprocessing = "preprocessing"
	// TransformationKind labels the stored payload record.
	TransformationKind = "protocol_payload"

	DefaultChain = "ethereum"
)

var ErrInstitutionNotRegistered = errors.New("preprocess: institution is not registered with the settlement network")

// InstitutionRegistry answers whether an institution id or BIC may submit.
type InstitutionRegistry interface {
	IsRegistered(ctx context.Context, identifier string) (bool, error)
}

// StaticRegistry is an in-memory InstitutionRegistry.
type StaticRegistry struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func NewStaticRegistry(identifiers ...string) *StaticRegistry {
	r := &StaticRegistry{ids: make(map[string]bool, len(identifiers))}
	for _, id := range identifiers {
		r.Register(id)
	}
	return r
}

func (r *StaticRegistry) Register(identifier string) {
	r.mu.Lock()
	r.ids[strings.ToUpper(identifier)] = true
	r.mu.Unlock()
}

func (r *StaticRegistry) IsRegistered(_ context.Context, identifier string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids[strings.ToUpper(identifier)], nil
}

// Repository is the persistence Prepare needs.
type Repository interface {
	store.MessageRepository
	store.TransformationRepository
}

// Payload is the protocol ready form of a message.
type Payload struct {
	Submission     network.Submission
	Transformation message.Transformation
}

// document is the encoded payload body.
type document struct {
	MessageID      string                 `json:"message_id"`
	MessageType    message.Type           `json:"message_type"`
	SubmissionType message.SubmissionType `json:"submission_type"`
	InstitutionID  string                 `json:"institution_id"`
	TargetChain    string                 `json:"target_chain"`
	Details        message.Details        `json:"details"`
	Fields         map[string]string      `json:"fields"`
}

type Option func(*Preprocessor)

// WithRoutes maps BIC country codes (BIC characters 5 and 6) to chains.
func WithRoutes(routes map[string]string) Option {
	return func(p *Preprocessor) { p.routes = maps.Clone(routes) }
}

func WithDefaultChain(chain string) Option {
	return func(p *Preprocessor) { p.defaultChain = chain }
}

// WithRegistry enables institution checks. Without it every institution is
// accepted.
func WithRegistry(registry InstitutionRegistry) Option {
	return func(p *Preprocessor) { p.registry = registry }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(p *Preprocessor) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Preprocessor) { p.now = now }
}

// Preprocessor moves messages from VALIDATED through PREPARING to READY.
type Preprocessor struct {
	repo         Repository
	registry     InstitutionRegistry
	routes       map[string]string
	defaultChain string
	logger       logging.ServiceLogger
	now          func() time.Time
}

func New(repo Repository, opts ...Option) *Preprocessor {
	p := &Preprocessor{
		repo:         repo,
		defaultChain: DefaultChain,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).With(logging.LogFields{"component": "preprocess"})
	return p
}

// ResolveChain picks the target chain: an explicit choice on the message,
// then the debtor agent's country route, then the default.
func (p *Preprocessor) ResolveChain(msg *message.Message) string {
	if msg.TargetChain != "" {
		return msg.TargetChain
	}
	if bic := msg.Details.DebtorAgentBIC; len(bic) >= 6 {
		if chain, ok := p.routes[strings.ToUpper(bic[4:6])]; ok {
			return chain
		}
	}
	return p.defaultChain
}

// Prepare builds the submission payload. On failure the message is marked
// FAILED and persisted before the error is returned.
func (p *Preprocessor) Prepare(ctx context.Context, msg *message.Message) (*Payload, error) {
	log := p.logger.With(logging.LogFields{"message_id": msg.ID})
	if err := msg.TransitionTo(message.StatusPreparing); err != nil {
		log.Error("Message cannot be prepared", err, logging.LogFields{"status": msg.Status})
		return nil, fmt.Errorf("preprocess: message %s: %w", msg.ID, err)
	}
	msg.AddProcessingStep(StepPreprocessing, message.StepStarted, nil, p.now())
	if err := p.repo.Update(ctx, msg); err != nil {
		log.Error("Failed to persist preprocessing start", err, nil)
		return nil, fmt.Errorf("preprocess: message %s: %w", msg.ID, err)
	}

	payload, err := p.build(ctx, msg)
	if err != nil {
		log.Error("Preprocessing failed", err, nil)
		p.fail(ctx, log, msg, err)
		return nil, fmt.Errorf("preprocess: message %s: %w", msg.ID, err)
	}

	msg.TargetChain = payload.Submission.TargetChain
	if err := msg.TransitionTo(message.StatusReady); err != nil {
		return nil, fmt.Errorf("preprocess: message %s: %w", msg.ID, err)
	}
	msg.AddProcessingStep(StepPreprocessing, message.StepCompleted, map[string]any{
		"target_chain":      payload.Submission.TargetChain,
		"transformation_id": payload.Transformation.ID,
	}, p.now())
	if err := p.repo.Update(ctx, msg); err != nil {
		log.Error("Failed to persist prepared message", err, nil)
		return nil, fmt.Errorf("preprocess: message %s: %w", msg.ID, err)
	}
	return payload, nil
}

func (p *Preprocessor) build(ctx context.Context, msg *message.Message) (*Payload, error) {
	if err := p.checkRegistered(ctx, msg); err != nil {
		return nil, err
	}

	chain := p.ResolveChain(msg)
	body, err := jsoncodec.Marshal(document{
		MessageID:      msg.ID,
		MessageType:    msg.Type,
		SubmissionType: msg.SubmissionType,
		InstitutionID:  msg.InstitutionID,
		TargetChain:    chain,
		Details:        msg.Details,
		Fields:         msg.ParsedData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	tr := message.NewTransformation(msg, TransformationKind, chain, body, p.now())
	if err := p.repo.SaveTransformation(ctx, tr); err != nil {
		return nil, fmt.Errorf("failed to record transformation: %w", err)
	}
	return &Payload{
		Submission: network.Submission{
			MessageID:      msg.ID,
			MessageType:    msg.Type,
			SubmissionType: msg.SubmissionType,
			TargetChain:    chain,
			Payload:        body,
		},
		Transformation: tr,
	}, nil
}

func (p *Preprocessor) checkRegistered(ctx context.Context, msg *message.Message) error {
	if p.registry == nil {
		return nil
	}
	for _, id := range []string{msg.InstitutionID, msg.Details.DebtorAgentBIC} {
		if id == "" {
			continue
		}
		ok, err := p.registry.IsRegistered(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to check registration of %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstitutionNotRegistered, id)
		}
	}
	return nil
}

func (p *Preprocessor) fail(ctx context.Context, log logging.ServiceLogger, msg *message.Message, cause error) {
	if err := msg.TransitionTo(message.StatusFailed); err != nil {
		log.Error("Unexpected preprocessing transition", err, nil)
		return
	}
	msg.ErrorMessage = cause.Error()
	msg.AddProcessingStep(StepPreprocessing, message.StepFailed, map[string]any{"error": cause.Error()}, p.now())
	if err := p.repo.Update(ctx, msg); err != nil {
		log.Error("Failed to persist preprocessing failure", err, nil)
	}
}
