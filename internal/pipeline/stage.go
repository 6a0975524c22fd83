package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/isoflow/internal/runtime/logging"
)

// Context is the per-run payload shared by every stage of a run. Stages read
// and write Data in place.
type Context[T any] struct {
	Data        T
	ExecutionID string
	StartTime   time.Time
}

// Stage is anything the pipeline can schedule.
type Stage[T any] interface {
	ID() string
	Dependencies() []string
	// Execute returns true on success and false on a soft failure. A non-nil
	// error is a hard failure.
	Execute(ctx context.Context, pc *Context[T]) (bool, error)
}

// Body is the work a BaseStage wraps with timeout and retry handling.
type Body[T any] func(ctx context.Context, pc *Context[T]) (bool, error)

// StageConfig controls timeout and retry behaviour of a BaseStage.
type StageConfig struct {
	Timeout            time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
}

// DefaultStageConfig is used when no configuration is supplied.
var DefaultStageConfig = StageConfig{
	Timeout:    30 * time.Second,
	MaxRetries: 3,
	RetryDelay: time.Second,
}

func (c StageConfig) validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry delay must be positive, got %s", c.RetryDelay))
	}
	return errors.Join(errs...)
}

// backoff returns a fresh delay sequence: RetryDelay * 2^(k-1) before retry k
// when exponential, RetryDelay otherwise. No jitter is applied.
func (c StageConfig) backoff() backoff.BackOff {
	if !c.ExponentialBackoff {
		return backoff.NewConstantBackOff(c.RetryDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.Reset()
	return b
}

// StageOption customises a BaseStage.
type StageOption func(*stageOptions)

type stageOptions struct {
	name         string
	description  string
	order        int
	dependencies []string
	config       StageConfig
	clock        Clock
	logger       logging.ServiceLogger
}

func WithName(name string) StageOption {
	return func(o *stageOptions) { o.name = name }
}

func WithDescription(description string) StageOption {
	return func(o *stageOptions) { o.description = description }
}

// WithOrder sets the advisory ordering hint used to break ties between
// stages that are otherwise unordered.
func WithOrder(order int) StageOption {
	return func(o *stageOptions) { o.order = order }
}

func WithDependencies(ids ...string) StageOption {
	return func(o *stageOptions) { o.dependencies = append(o.dependencies, ids...) }
}

func WithStageConfig(cfg StageConfig) StageOption {
	return func(o *stageOptions) { o.config = cfg }
}

func WithStageClock(clock Clock) StageOption {
	return func(o *stageOptions) { o.clock = clock }
}

func WithStageLogger(logger logging.ServiceLogger) StageOption {
	return func(o *stageOptions) { o.logger = logger }
}

// BaseStage runs a Body with a per-attempt timeout and retry with backoff.
type BaseStage[T any] struct {
	id          string
	name        string
	description string
	order       int
	body        Body[T]
	config      StageConfig
	clock       Clock
	logger      logging.ServiceLogger

	mu           sync.Mutex
	dependencies []string
	metrics      StageMetrics

	listeners listeners[StageMetrics]
}

// NewStage validates its inputs and returns a ready stage.
func NewStage[T any](id string, body Body[T], opts ...StageOption) (*BaseStage[T], error) {
	o := stageOptions{config: DefaultStageConfig, clock: SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if id == "" {
		return nil, errors.New("pipeline: stage id is required")
	}
	if body == nil {
		return nil, fmt.Errorf("pipeline: stage %q has no body", id)
	}
	if err := o.config.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: stage %q: invalid configuration: %w", id, err)
	}
	if o.name == "" {
		o.name = id
	}
	s := &BaseStage[T]{
		id:          id,
		name:        o.name,
		description: o.description,
		order:       o.order,
		body:        body,
		config:      o.config,
		clock:       o.clock,
		logger:      logging.OrNop(o.logger).With(logging.LogFields{"stage_id": id}),
		metrics:     StageMetrics{Status: StatusPending},
	}
	for _, dep := range o.dependencies {
		if err := s.AddDependency(dep); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustStage is NewStage for static stage tables; it panics on invalid input.
func MustStage[T any](id string, body Body[T], opts ...StageOption) *BaseStage[T] {
	s, err := NewStage(id, body, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *BaseStage[T]) ID() string          { return s.id }
func (s *BaseStage[T]) Name() string        { return s.name }
func (s *BaseStage[T]) Description() string { return s.description }
func (s *BaseStage[T]) Order() int          { return s.order }
func (s *BaseStage[T]) Config() StageConfig { return s.config }

func (s *BaseStage[T]) Dependencies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dependencies)
}

// AddDependency is idempotent. A stage cannot depend on itself.
func (s *BaseStage[T]) AddDependency(id string) error {
	if id == s.id {
		return fmt.Errorf("pipeline: stage %q cannot depend on itself", s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.dependencies, id) {
		s.dependencies = append(s.dependencies, id)
	}
	return nil
}

// RemoveDependency is idempotent.
func (s *BaseStage[T]) RemoveDependency(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependencies = slices.DeleteFunc(s.dependencies, func(d string) bool { return d == id })
}

// Metrics returns a copy of the metrics of the latest execution.
func (s *BaseStage[T]) Metrics() StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.clone()
}

// Subscribe registers fn to receive every metrics update. Calling the
// returned function removes only fn.
func (s *BaseStage[T]) Subscribe(fn func(StageMetrics)) (unsubscribe func()) {
	return s.listeners.subscribe(fn)
}

func (s *BaseStage[T]) Execute(ctx context.Context, pc *Context[T]) (bool, error) {
	executionID := UnknownExecutionID
	if pc != nil && pc.ExecutionID != "" {
		executionID = pc.ExecutionID
	}
	log := s.logger.With(logging.LogFields{"execution_id": executionID})

	start := s.clock.Now()
	s.setMetrics(StageMetrics{StartTime: start, Status: StatusPending})

	delays := s.config.backoff()
	var lastErr error
	attempt := 0
	for {
		res := race(ctx, s.clock, s.config.Timeout, func(c context.Context) (bool, error) {
			return s.body(c, pc)
		})

		if res.timedOut {
			err := newError(CodeStageTimeout, executionID, s.id, nil, "stage %s timed out after %s", s.id, s.config.Timeout)
			log.Error("Stage timed out", err, logging.LogFields{"attempt": attempt + 1})
			s.finish(start, StatusError, attempt, err)
			return false, err
		}
		if res.err == nil {
			status := StatusSuccess
			if !res.ok {
				status = StatusError
				log.Info("Stage reported failure", logging.LogFields{"attempt": attempt + 1})
			}
			s.finish(start, status, attempt, nil)
			return res.ok, nil
		}

		lastErr = res.err
		if attempt >= s.config.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := delays.NextBackOff()
		log.Error("Stage attempt failed, retrying", res.err, logging.LogFields{
			"attempt":  attempt + 1,
			"retry_in": delay.String(),
		})
		attempt++
		if err := sleep(ctx, s.clock, delay); err != nil {
			lastErr = err
			break
		}
	}

	err := newError(CodeStageError, executionID, s.id, lastErr, "stage %s failed after %d retries", s.id, attempt)
	log.Error("Stage failed", err, logging.LogFields{"retry_attempts": attempt})
	s.finish(start, StatusError, attempt, err)
	return false, err
}

func (s *BaseStage[T]) finish(start time.Time, status StageStatus, retries int, err error) {
	end := s.clock.Now()
	s.setMetrics(StageMetrics{
		StartTime:     start,
		EndTime:       end,
		Duration:      end.Sub(start),
		Status:        status,
		RetryAttempts: retries,
		Error:         errorInfo(err),
	})
}

func (s *BaseStage[T]) setMetrics(m StageMetrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
	s.listeners.notify(m.clone())
}

type attemptResult struct {
	ok       bool
	err      error
	timedOut bool
}

// race runs fn on its own goroutine against a timer. The timer is stopped and
// fn's context cancelled on every exit path.
func race(ctx context.Context, clock Clock, timeout time.Duration, fn func(context.Context) (bool, error)) attemptResult {
	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		ok, err := fn(bodyCtx)
		done <- attemptResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-timer.C():
		return attemptResult{timedOut: true}
	case <-ctx.Done():
		return attemptResult{err: ctx.Err()}
	}
}

func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
