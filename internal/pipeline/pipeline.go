package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/runtime/ids"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

const (
	MetricRuns          = "isoflow_pipeline_runs_total"
	MetricStageDuration = "isoflow_pipeline_stage_duration_seconds"
)

// State is the lifecycle of the most recent run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Config controls a pipeline. MaxConcurrent and CacheResults are accepted and
// validated but stages always run sequentially and results are not cached.
type Config struct {
	MaxConcurrent      int
	CacheResults       bool
	FailFast           bool
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	// Timeout bounds each stage execution including its retries. Zero leaves
	// stages to their own timeouts.
	Timeout time.Duration
}

// DefaultConfig runs stages sequentially and aborts on the first failure.
var DefaultConfig = Config{
	MaxConcurrent: 1,
	FailFast:      true,
	MaxRetries:    DefaultStageConfig.MaxRetries,
	RetryDelay:    DefaultStageConfig.RetryDelay,
	Timeout:       DefaultStageConfig.Timeout,
}

func (c Config) validate() error {
	var errs []error
	if c.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max concurrent cannot be negative, got %d", c.MaxConcurrent))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay cannot be negative, got %s", c.RetryDelay))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout cannot be negative, got %s", c.Timeout))
	}
	return errors.Join(errs...)
}

// StageConfig derives the configuration for stages built for this pipeline.
// Zero durations fall back to DefaultStageConfig.
func (c Config) StageConfig() StageConfig {
	sc := StageConfig{
		Timeout:            c.Timeout,
		MaxRetries:         c.MaxRetries,
		RetryDelay:         c.RetryDelay,
		ExponentialBackoff: c.ExponentialBackoff,
	}
	if sc.Timeout <= 0 {
		sc.Timeout = DefaultStageConfig.Timeout
	}
	if sc.RetryDelay <= 0 {
		sc.RetryDelay = DefaultStageConfig.RetryDelay
	}
	return sc
}

// Option customises a Pipeline.
type Option func(*options)

type options struct {
	name   string
	sink   metrics.Sink
	tracer trace.Tracer
	logger logging.ServiceLogger
	clock  Clock
}

// WithPipelineName labels logs, spans and metrics.
func WithPipelineName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithMetricsSink(sink metrics.Sink) Option {
	return func(o *options) { o.sink = sink }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(clock Clock) Option {
	return func(o *options) { o.clock = clock }
}

// Pipeline owns a set of stages and runs them in dependency order. Structural
// methods are safe for concurrent use; concurrent Execute calls on one
// instance share run state and must be serialised by the caller.
type Pipeline[T any] struct {
	name   string
	config Config
	sink   metrics.Sink
	tracer trace.Tracer
	logger logging.ServiceLogger
	clock  Clock

	mu      sync.RWMutex
	stages  map[string]Stage[T]
	order   []string
	metrics Metrics
	state   State

	listeners listeners[Metrics]
}

// New validates cfg and returns an empty pipeline.
func New[T any](cfg Config, opts ...Option) (*Pipeline[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid configuration: %w", err)
	}
	o := options{name: "pipeline", clock: SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/drblury/isoflow/internal/pipeline")
	}
	return &Pipeline[T]{
		name:    o.name,
		config:  cfg,
		sink:    metrics.OrNop(o.sink),
		tracer:  o.tracer,
		logger:  logging.OrNop(o.logger).With(logging.LogFields{"pipeline": o.name}),
		clock:   o.clock,
		stages:  make(map[string]Stage[T]),
		state:   StateIdle,
		metrics: Metrics{StageMetrics: map[string]StageMetrics{}},
	}, nil
}

func (p *Pipeline[T]) Name() string   { return p.name }
func (p *Pipeline[T]) Config() Config { return p.config }

// AddStage registers stage. On any error the stage set is left unchanged.
func (p *Pipeline[T]) AddStage(stage Stage[T]) error {
	if stage == nil {
		return errors.New("pipeline: stage is nil")
	}
	id := stage.ID()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.stages[id]; exists {
		return p.logged(newError(CodeDuplicateStage, "", id, nil, "stage %s is already registered", id))
	}
	deps := stage.Dependencies()
	if slices.Contains(deps, id) {
		return p.logged(newError(CodeCircularDependency, "", id, nil, "circular dependency: %s -> %s", id, id))
	}
	var missing []string
	for _, dep := range deps {
		if _, ok := p.stages[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return p.logged(newError(CodeInvalidDependency, "", id, nil, "stage %s depends on unregistered stages: %s", id, strings.Join(missing, ", ")))
	}

	candidate := maps.Clone(p.stages)
	candidate[id] = stage
	order, err := executionOrder(candidate)
	if err != nil {
		return p.logged(err)
	}
	p.stages = candidate
	p.order = order
	return nil
}

// RemoveStage unregisters id. It refuses while other stages depend on it.
func (p *Pipeline[T]) RemoveStage(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.stages[id]; !ok {
		return p.logged(newError(CodeStageNotFound, "", id, nil, "stage %s is not registered", id))
	}
	if dependents := dependentsOf(p.stages, id); len(dependents) > 0 {
		return p.logged(newError(CodeStageHasDependents, "", id, nil, "stage %s is required by: %s", id, strings.Join(dependents, ", ")))
	}

	candidate := maps.Clone(p.stages)
	delete(candidate, id)
	order, err := executionOrder(candidate)
	if err != nil {
		return p.logged(err)
	}
	p.stages = candidate
	p.order = order
	return nil
}

// ExecutionOrder returns the current topological order.
func (p *Pipeline[T]) ExecutionOrder() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order)
}

// Stages returns the registered stages in execution order.
func (p *Pipeline[T]) Stages() []Stage[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stage[T], 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.stages[id])
	}
	return out
}

// Stage looks up a registered stage.
func (p *Pipeline[T]) Stage(id string) (Stage[T], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stages[id]
	return s, ok
}

// Metrics returns a copy of the current or most recent run's metrics.
func (p *Pipeline[T]) Metrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics.clone()
}

func (p *Pipeline[T]) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Subscribe registers fn to receive a copy of the run metrics after every
// update. Calling the returned function removes only fn.
func (p *Pipeline[T]) Subscribe(fn func(Metrics)) (unsubscribe func()) {
	return p.listeners.subscribe(fn)
}

// Execute runs every stage once in topological order and returns pc.Data.
// pc.ExecutionID is overwritten with a fresh identifier.
func (p *Pipeline[T]) Execute(ctx context.Context, pc *Context[T]) (T, error) {
	if pc == nil {
		pc = &Context[T]{}
	}

	p.mu.Lock()
	order := slices.Clone(p.order)
	stages := maps.Clone(p.stages)
	executionID := ids.NewExecutionID()
	start := p.clock.Now()
	p.metrics = Metrics{
		ExecutionID:  executionID,
		StartTime:    start,
		StageMetrics: make(map[string]StageMetrics, len(order)),
	}
	for _, id := range order {
		p.metrics.StageMetrics[id] = StageMetrics{Status: StatusPending}
	}
	p.state = StateRunning
	p.mu.Unlock()

	pc.ExecutionID = executionID
	pc.StartTime = start
	log := p.logger.With(logging.LogFields{"execution_id": executionID})

	ctx, span := p.tracer.Start(ctx, "pipeline."+p.name, trace.WithAttributes(
		attribute.String("pipeline.name", p.name),
		attribute.String("pipeline.execution_id", executionID),
		attribute.Int("pipeline.stages", len(order)),
	))
	defer span.End()

	p.notify()
	log.Debug("Pipeline run started", logging.LogFields{"stages": order})

	for _, id := range order {
		stage := stages[id]
		if err := p.checkDependencies(stage, executionID); err != nil {
			p.recordStage(id, StageMetrics{Status: StatusError, Error: errorInfo(err)})
			return p.fail(span, log, err)
		}

		ok, err := p.runStage(ctx, stage, pc, executionID)
		if err != nil {
			return p.fail(span, log, err)
		}
		if !ok && p.config.FailFast {
			err := newError(CodeStageExecutionFailed, executionID, id, nil, "stage %s reported failure", id)
			p.annotateStage(id, err)
			return p.fail(span, log, err)
		}
		if !ok {
			log.Info("Stage reported failure, continuing", logging.LogFields{"stage_id": id})
		}
	}

	p.finishRun(StateCompleted)
	span.SetStatus(codes.Ok, "")
	log.Debug("Pipeline run completed", nil)
	return pc.Data, nil
}

func (p *Pipeline[T]) checkDependencies(stage Stage[T], executionID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, dep := range stage.Dependencies() {
		sm, ok := p.metrics.StageMetrics[dep]
		if !ok || sm.Status != StatusSuccess {
			status := StageStatus("missing")
			if ok {
				status = sm.Status
			}
			return newError(CodeDependencyNotSatisfied, executionID, stage.ID(), nil,
				"stage %s requires %s which has status %s", stage.ID(), dep, status)
		}
	}
	return nil
}

type stageMetricsReporter interface {
	Metrics() StageMetrics
}

func (p *Pipeline[T]) runStage(ctx context.Context, stage Stage[T], pc *Context[T], executionID string) (bool, error) {
	id := stage.ID()
	ctx, span := p.tracer.Start(ctx, "stage."+id, trace.WithAttributes(
		attribute.String("pipeline.name", p.name),
		attribute.String("stage.id", id),
	))
	defer span.End()

	start := p.clock.Now()
	p.recordStage(id, StageMetrics{StartTime: start, Status: StatusPending})

	var res attemptResult
	if p.config.Timeout > 0 {
		res = race(ctx, p.clock, p.config.Timeout, func(c context.Context) (bool, error) {
			return stage.Execute(c, pc)
		})
		if res.timedOut {
			res.err = newError(CodeStageTimeout, executionID, id, nil, "stage %s exceeded pipeline timeout %s", id, p.config.Timeout)
		}
	} else {
		res.ok, res.err = stage.Execute(ctx, pc)
	}
	var pe *PipelineError
	if res.err != nil && !errors.As(res.err, &pe) {
		res.err = newError(CodeStageExecutionFailed, executionID, id, res.err, "stage %s failed", id)
	}

	end := p.clock.Now()
	sm := StageMetrics{StartTime: start, EndTime: end, Duration: end.Sub(start), Status: StatusSuccess}
	if reporter, ok := stage.(stageMetricsReporter); ok {
		sm.RetryAttempts = reporter.Metrics().RetryAttempts
	}
	if res.err != nil || !res.ok {
		sm.Status = StatusError
		sm.Error = errorInfo(res.err)
	}
	p.recordStage(id, sm)

	p.sink.ObserveHistogram(MetricStageDuration, sm.Duration.Seconds(), metrics.Tags{
		"pipeline": p.name,
		"stage":    id,
		"status":   string(sm.Status),
	})
	span.SetAttributes(
		attribute.String("stage.status", string(sm.Status)),
		attribute.Int("stage.retry_attempts", sm.RetryAttempts),
	)
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.ok, res.err
}

func (p *Pipeline[T]) recordStage(id string, sm StageMetrics) {
	p.mu.Lock()
	p.metrics.StageMetrics[id] = sm
	p.mu.Unlock()
	p.notify()
}

func (p *Pipeline[T]) annotateStage(id string, err error) {
	p.mu.Lock()
	sm := p.metrics.StageMetrics[id]
	sm.Status = StatusError
	sm.Error = errorInfo(err)
	p.metrics.StageMetrics[id] = sm
	p.mu.Unlock()
	p.notify()
}

func (p *Pipeline[T]) fail(span trace.Span, log logging.ServiceLogger, err error) (T, error) {
	var zero T
	p.finishRun(StateFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error("Pipeline run failed", err, logging.LogFields{"code": string(CodeOf(err))})
	return zero, err
}

func (p *Pipeline[T]) finishRun(state State) {
	p.mu.Lock()
	end := p.clock.Now()
	p.metrics.EndTime = end
	p.metrics.Duration = end.Sub(p.metrics.StartTime)
	p.state = state
	p.mu.Unlock()

	p.sink.IncrementCounter(MetricRuns, metrics.Tags{"pipeline": p.name, "outcome": string(state)})
	p.notify()
}

func (p *Pipeline[T]) notify() {
	if p.listeners.len() == 0 {
		return
	}
	p.listeners.notify(p.Metrics())
}

func (p *Pipeline[T]) logged(err *PipelineError) error {
	p.logger.Error("Pipeline configuration rejected", err, logging.LogFields{
		"code":     string(err.Code),
		"stage_id": err.StageID,
	})
	return err
}
