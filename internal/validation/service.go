// Package validation runs messages through the staged validation pipeline
// and records the outcome of every stage.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/isoflow/internal/cache"
	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/pipeline"
	rterrors "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/store"
)

// Stage ids in execution order.
const (
	StageSchema               = "schema"
	StageBusinessRules        = "business_rules"
	StageProtocolRequirements = "protocol_requirements"
	StageSettlement           = "settlement"
)

const (
	MetricValidations = "isoflow_validations_total"

	// StepValidation is the processing step name written by ValidateMessage.
	StepValidation = "validation"
)

// State is the pipeline payload for one validation run.
type State struct {
	Message  *message.Message
	Issues   map[string][]message.Issue
	Executed []string
}

func (s *State) record(stage string, issues []message.Issue) bool {
	s.Executed = append(s.Executed, stage)
	s.Issues[stage] = issues
	return len(issues) == 0
}

// StageReport is the outcome of one executed stage.
type StageReport struct {
	Stage  string          `json:"stage"`
	Valid  bool            `json:"is_valid"`
	Issues []message.Issue `json:"issues,omitempty"`
}

// Report aggregates a validation run.
type Report struct {
	MessageID   string        `json:"message_id"`
	ExecutionID string        `json:"execution_id"`
	Valid       bool          `json:"is_valid"`
	Stages      []StageReport `json:"stages"`
}

// Issues flattens the findings of every stage.
func (r Report) Issues() []message.Issue {
	var out []message.Issue
	for _, s := range r.Stages {
		out = append(out, s.Issues...)
	}
	return out
}

// Repository is the persistence the service needs.
type Repository interface {
	store.MessageRepository
	store.ValidationRepository
}

type Option func(*Service)

// WithPipelineConfig overrides pipeline.DefaultConfig. FailFast is always on.
func WithPipelineConfig(cfg pipeline.Config) Option {
	return func(s *Service) { s.config = cfg }
}

// WithSchemaCache caches schema lookups.
func WithSchemaCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.schemaCache = c
		s.schemaTTL = ttl
	}
}

func WithMetricsSink(sink metrics.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock drives stage timers and record timestamps.
func WithClock(clock pipeline.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// Service validates messages.
type Service struct {
	repo        Repository
	schemas     SchemaProvider
	schemaCache cache.Cache
	schemaTTL   time.Duration
	config      pipeline.Config
	sink        metrics.Sink
	logger      logging.ServiceLogger
	clock       pipeline.Clock
}

func NewService(repo Repository, schemas SchemaProvider, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, rterrors.ErrStoreRequired
	}
	if schemas == nil {
		schemas = DefaultSchemas
	}
	s := &Service{repo: repo, schemas: schemas, config: pipeline.DefaultConfig, clock: pipeline.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	s.config.FailFast = true
	s.sink = metrics.OrNop(s.sink)
	s.logger = logging.OrNop(s.logger).With(logging.LogFields{"component": "validation"})
	if s.schemaCache != nil {
		s.schemas = NewCachedSchemas(s.schemas, s.schemaCache, s.schemaTTL, s.logger)
	}
	return s, nil
}

func (s *Service) buildPipeline(settlement bool) (*pipeline.Pipeline[*State], error) {
	p, err := pipeline.New[*State](s.config,
		pipeline.WithPipelineName("validation"),
		pipeline.WithMetricsSink(s.sink),
		pipeline.WithLogger(s.logger),
		pipeline.WithClock(s.clock),
	)
	if err != nil {
		return nil, err
	}

	stageCfg := s.config.StageConfig()
	common := []pipeline.StageOption{
		pipeline.WithStageConfig(stageCfg),
		pipeline.WithStageClock(s.clock),
		pipeline.WithStageLogger(s.logger),
	}
	type def struct {
		id, name string
		deps     []string
		body     pipeline.Body[*State]
	}
	defs := []def{
		{StageSchema, "Schema validation", nil, s.schemaStage},
		{StageBusinessRules, "Business rule validation", []string{StageSchema}, func(_ context.Context, pc *pipeline.Context[*State]) (bool, error) {
			return pc.Data.record(StageBusinessRules, checkBusinessRules(pc.Data.Message, s.clock.Now())), nil
		}},
		{StageProtocolRequirements, "Protocol requirement validation", []string{StageBusinessRules}, func(_ context.Context, pc *pipeline.Context[*State]) (bool, error) {
			return pc.Data.record(StageProtocolRequirements, checkProtocolRequirements(pc.Data.Message)), nil
		}},
	}
	if settlement {
		defs = append(defs, def{StageSettlement, "Settlement validation", []string{StageProtocolRequirements}, func(_ context.Context, pc *pipeline.Context[*State]) (bool, error) {
			return pc.Data.record(StageSettlement, checkSettlement(pc.Data.Message)), nil
		}})
	}
	for i, d := range defs {
		opts := append([]pipeline.StageOption{
			pipeline.WithName(d.name),
			pipeline.WithOrder(i),
			pipeline.WithDependencies(d.deps...),
		}, common...)
		stage, err := pipeline.NewStage(d.id, d.body, opts...)
		if err != nil {
			return nil, err
		}
		if err := p.AddStage(stage); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Service) schemaStage(ctx context.Context, pc *pipeline.Context[*State]) (bool, error) {
	msg := pc.Data.Message
	schema, err := s.schemas.Schema(ctx, msg.Type)
	if err != nil {
		return false, fmt.Errorf("failed to load schema for %s: %w", msg.Type, err)
	}
	return pc.Data.record(StageSchema, checkSchema(msg, schema)), nil
}

// Validate runs the pipeline against msg and stores one validation record
// per executed stage. Findings produce an invalid Report; only
// infrastructure faults are returned as errors. msg is not modified.
func (s *Service) Validate(ctx context.Context, msg *message.Message) (Report, error) {
	report := Report{MessageID: msg.ID}
	log := s.logger.With(logging.LogFields{"message_id": msg.ID, "message_type": msg.Type})

	p, err := s.buildPipeline(msg.RequiresSettlement())
	if err != nil {
		log.Error("Failed to build validation pipeline", err, nil)
		return report, fmt.Errorf("validation: %w", err)
	}

	state := &State{Message: msg, Issues: make(map[string][]message.Issue)}
	pc := &pipeline.Context[*State]{Data: state}
	_, runErr := p.Execute(ctx, pc)
	report.ExecutionID = pc.ExecutionID

	for _, stage := range state.Executed {
		issues := state.Issues[stage]
		report.Stages = append(report.Stages, StageReport{Stage: stage, Valid: len(issues) == 0, Issues: issues})
	}
	if runErr != nil && !isFinding(runErr, state) {
		s.count(msg, "error")
		log.Error("Validation pipeline failed", runErr, logging.LogFields{"execution_id": pc.ExecutionID})
		return report, fmt.Errorf("validation: message %s: %w", msg.ID, runErr)
	}
	report.Valid = runErr == nil

	now := s.clock.Now()
	for _, sr := range report.Stages {
		if err := s.repo.SaveValidation(ctx, message.NewValidation(msg, sr.Stage, sr.Issues, now)); err != nil {
			s.count(msg, "error")
			log.Error("Failed to record validation", err, logging.LogFields{"stage": sr.Stage})
			return report, fmt.Errorf("validation: message %s: %w", msg.ID, err)
		}
	}

	outcome := "valid"
	if !report.Valid {
		outcome = "invalid"
		log.Info("Message failed validation", logging.LogFields{"issues": len(report.Issues()), "execution_id": pc.ExecutionID})
	}
	s.count(msg, outcome)
	return report, nil
}

// isFinding reports whether err is a stage that rejected the message rather
// than a fault.
func isFinding(err error, state *State) bool {
	var pe *pipeline.PipelineError
	if !errors.As(err, &pe) || pe.Code != pipeline.CodeStageExecutionFailed || pe.Err != nil {
		return false
	}
	return len(state.Issues[pe.StageID]) > 0
}

func (s *Service) count(msg *message.Message, outcome string) {
	s.sink.IncrementCounter(MetricValidations, metrics.Tags{"message_type": string(msg.Type), "outcome": outcome})
}

// ValidateMessage moves a persisted message through VALIDATING to VALIDATED
// or VALIDATION_FAILED and persists every transition. An infrastructure
// fault leaves the message in VALIDATION_FAILED so it can be revalidated.
func (s *Service) ValidateMessage(ctx context.Context, msg *message.Message) (Report, error) {
	log := s.logger.With(logging.LogFields{"message_id": msg.ID})
	if err := msg.TransitionTo(message.StatusValidating); err != nil {
		log.Error("Message cannot enter validation", err, logging.LogFields{"status": msg.Status})
		return Report{MessageID: msg.ID}, fmt.Errorf("validation: message %s: %w", msg.ID, err)
	}
	msg.AddProcessingStep(StepValidation, message.StepStarted, nil, s.clock.Now())
	if err := s.repo.Update(ctx, msg); err != nil {
		log.Error("Failed to persist validation start", err, nil)
		return Report{MessageID: msg.ID}, fmt.Errorf("validation: message %s: %w", msg.ID, err)
	}

	report, err := s.Validate(ctx, msg)
	if err != nil {
		msg.ErrorMessage = err.Error()
		s.finish(ctx, log, msg, message.StatusValidationFailed, message.StepFailed, map[string]any{"error": err.Error()})
		return report, err
	}

	details := map[string]any{"execution_id": report.ExecutionID, "issues": len(report.Issues())}
	if report.Valid {
		msg.ErrorMessage = ""
		err = s.finish(ctx, log, msg, message.StatusValidated, message.StepCompleted, details)
	} else {
		err = s.finish(ctx, log, msg, message.StatusValidationFailed, message.StepFailed, details)
	}
	if err != nil {
		return report, fmt.Errorf("validation: message %s: %w", msg.ID, err)
	}
	return report, nil
}

func (s *Service) finish(ctx context.Context, log logging.ServiceLogger, msg *message.Message, status message.Status, step message.StepStatus, details map[string]any) error {
	if err := msg.TransitionTo(status); err != nil {
		log.Error("Unexpected validation transition", err, nil)
		return err
	}
	msg.AddProcessingStep(StepValidation, step, details, s.clock.Now())
	if err := s.repo.Update(ctx, msg); err != nil {
		log.Error("Failed to persist validation result", err, logging.LogFields{"status": status})
		return err
	}
	return nil
}
