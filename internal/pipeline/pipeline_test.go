package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/runtime/logging"
)

func noTimeoutConfig() Config {
	cfg := DefaultConfig
	cfg.Timeout = 0
	return cfg
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New[int](Config{MaxConcurrent: -1, MaxRetries: -1, RetryDelay: -1, Timeout: -1})
	require.Error(t, err)
	for _, want := range []string{"max concurrent", "max retries", "retry delay", "timeout"} {
		assert.Contains(t, err.Error(), want)
	}

	p, err := New[int](DefaultConfig)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, "pipeline", p.Name())
	assert.Empty(t, p.ExecutionOrder())
}

func TestConfig_StageConfig(t *testing.T) {
	sc := Config{MaxRetries: 2, RetryDelay: 100 * time.Millisecond, Timeout: 5 * time.Second, ExponentialBackoff: true}.StageConfig()
	assert.Equal(t, StageConfig{Timeout: 5 * time.Second, MaxRetries: 2, RetryDelay: 100 * time.Millisecond, ExponentialBackoff: true}, sc)

	fallback := Config{}.StageConfig()
	assert.Equal(t, DefaultStageConfig.Timeout, fallback.Timeout)
	assert.Equal(t, DefaultStageConfig.RetryDelay, fallback.RetryDelay)
	assert.NoError(t, fallback.validate())
}

func TestPipeline_AddStageErrors(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(appendStage(clock, "a")))

	err := p.AddStage(appendStage(clock, "a"))
	assert.True(t, HasCode(err, CodeDuplicateStage))

	err = p.AddStage(appendStage(clock, "b", "a", "ghost"))
	assert.True(t, HasCode(err, CodeInvalidDependency))
	assert.Contains(t, err.Error(), "ghost")

	err = p.AddStage(&rawStage{id: "self", deps: []string{"self"}})
	assert.True(t, HasCode(err, CodeCircularDependency))

	assert.Equal(t, []string{"a"}, p.ExecutionOrder())
	assert.ErrorContains(t, p.AddStage(nil), "stage is nil")

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnknownExecutionID, pe.ExecutionID)
}

func TestPipeline_CycleRejectionLeavesStagesUnchanged(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	a := appendStage(clock, "a")
	require.NoError(t, p.AddStage(a))
	require.NoError(t, p.AddStage(appendStage(clock, "b", "a")))

	// a is mutated after registration to depend on a stage that closes a loop.
	require.NoError(t, a.AddDependency("c"))
	err := p.AddStage(appendStage(clock, "c", "b"))

	require.Error(t, err)
	assert.True(t, HasCode(err, CodeCircularDependency))
	assert.Contains(t, err.Error(), "->")
	_, ok := p.Stage("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, p.ExecutionOrder())
	assert.Len(t, p.Stages(), 2)
}

func TestPipeline_TopologicalValidity(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for round := 0; round < 50; round++ {
		clock := newFakeClock()
		p := newTestPipeline(noTimeoutConfig(), clock)
		var registered []string
		for i := 0; i < 12; i++ {
			id := fmt.Sprintf("s%02d", rng.IntN(30))
			var deps []string
			for _, candidate := range registered {
				// A reused id is rejected as a duplicate below; it must not
				// also be its own dependency.
				if candidate != id && rng.IntN(3) == 0 {
					deps = append(deps, candidate)
				}
			}
			if rng.IntN(5) == 0 {
				deps = append(deps, "unregistered")
			}
			if err := p.AddStage(appendStage(clock, id, deps...)); err == nil {
				registered = append(registered, id)
			}

			order := p.ExecutionOrder()
			assert.ElementsMatch(t, registered, order)
			position := make(map[string]int, len(order))
			for idx, sid := range order {
				position[sid] = idx
			}
			for _, stage := range p.Stages() {
				for _, dep := range stage.Dependencies() {
					assert.Less(t, position[dep], position[stage.ID()], "round %d: %s must run after %s", round, stage.ID(), dep)
				}
			}
		}
	}
}

func TestPipeline_OrderHintBreaksTies(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	late := MustStage("alpha", func(context.Context, *Context[[]string]) (bool, error) { return true, nil },
		WithOrder(10), WithStageConfig(testStageConfig()), WithStageClock(clock))
	early := MustStage("zulu", func(context.Context, *Context[[]string]) (bool, error) { return true, nil },
		WithOrder(1), WithStageConfig(testStageConfig()), WithStageClock(clock))

	require.NoError(t, p.AddStage(late))
	require.NoError(t, p.AddStage(early))
	require.NoError(t, p.AddStage(appendStage(clock, "mid")))

	assert.Equal(t, []string{"mid", "zulu", "alpha"}, p.ExecutionOrder())
}

func TestPipeline_RemoveStage(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(appendStage(clock, "a")))
	require.NoError(t, p.AddStage(appendStage(clock, "b", "a")))
	require.NoError(t, p.AddStage(appendStage(clock, "c", "a")))

	err := p.RemoveStage("missing")
	assert.True(t, HasCode(err, CodeStageNotFound))

	err = p.RemoveStage("a")
	assert.True(t, HasCode(err, CodeStageHasDependents))
	assert.Contains(t, err.Error(), "b, c")
	assert.Equal(t, []string{"a", "b", "c"}, p.ExecutionOrder())

	require.NoError(t, p.RemoveStage("b"))
	require.NoError(t, p.RemoveStage("c"))
	require.NoError(t, p.RemoveStage("a"))
	assert.Empty(t, p.ExecutionOrder())
}

func TestPipeline_ExecuteLinearChain(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(appendStage(clock, "A")))
	require.NoError(t, p.AddStage(appendStage(clock, "B", "A")))
	require.NoError(t, p.AddStage(appendStage(clock, "C", "B")))

	pc := &Context[[]string]{Data: []string{"start"}}
	data, err := p.Execute(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "A", "B", "C"}, data)
	assert.True(t, strings.HasPrefix(pc.ExecutionID, "exec_"))
	assert.Equal(t, StateCompleted, p.State())

	m := p.Metrics()
	assert.Equal(t, pc.ExecutionID, m.ExecutionID)
	assert.Equal(t, m.EndTime.Sub(m.StartTime), m.Duration)
	require.Len(t, m.StageMetrics, 3)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, StatusSuccess, m.StageMetrics[id].Status, id)
	}
}

func TestPipeline_ExecuteAssignsFreshExecutionIDs(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(appendStage(clock, "A")))

	pc := &Context[[]string]{ExecutionID: "caller-supplied"}
	_, err := p.Execute(context.Background(), pc)
	require.NoError(t, err)
	first := pc.ExecutionID
	assert.NotEqual(t, "caller-supplied", first)

	_, err = p.Execute(context.Background(), pc)
	require.NoError(t, err)
	assert.NotEqual(t, first, pc.ExecutionID)
}

func TestPipeline_FailFastAbortsRun(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	var cRan atomic.Bool
	require.NoError(t, p.AddStage(appendStage(clock, "A")))
	require.NoError(t, p.AddStage(MustStage("B", func(context.Context, *Context[[]string]) (bool, error) {
		return false, nil
	}, WithDependencies("A"), WithStageConfig(testStageConfig()), WithStageClock(clock))))
	require.NoError(t, p.AddStage(&rawStage{id: "C", deps: []string{"B"}, run: func(context.Context, *Context[[]string]) (bool, error) {
		cRan.Store(true)
		return true, nil
	}}))

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeStageExecutionFailed))
	assert.False(t, cRan.Load())
	assert.Equal(t, StateFailed, p.State())

	m := p.Metrics()
	assert.Equal(t, StatusSuccess, m.StageMetrics["A"].Status)
	assert.Equal(t, StatusError, m.StageMetrics["B"].Status)
	require.NotNil(t, m.StageMetrics["B"].Error)
	assert.Equal(t, CodeStageExecutionFailed, m.StageMetrics["B"].Error.Code)
	assert.Equal(t, StatusPending, m.StageMetrics["C"].Status)
}

func TestPipeline_StageErrorPassesThrough(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(MustStage("A", func(context.Context, *Context[[]string]) (bool, error) {
		return false, errors.New("boom")
	}, WithStageConfig(StageConfig{Timeout: longTimeout, MaxRetries: 2, RetryDelay: 100 * time.Millisecond}), WithStageClock(clock))))

	pc := &Context[[]string]{}
	_, err := p.Execute(context.Background(), pc)
	require.Error(t, err)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeStageError, pe.Code)
	assert.Equal(t, pc.ExecutionID, pe.ExecutionID)
	assert.Contains(t, err.Error(), "boom")

	sm := p.Metrics().StageMetrics["A"]
	assert.Equal(t, StatusError, sm.Status)
	assert.Equal(t, 2, sm.RetryAttempts)
}

func TestPipeline_PlainErrorsAreWrapped(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	cause := errors.New("database unavailable")
	require.NoError(t, p.AddStage(&rawStage{id: "raw", run: func(context.Context, *Context[[]string]) (bool, error) {
		return false, cause
	}}))

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	assert.True(t, HasCode(err, CodeStageExecutionFailed))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeStageExecutionFailed, p.Metrics().StageMetrics["raw"].Error.Code)
}

func TestPipeline_SoftFailureWithoutFailFast(t *testing.T) {
	clock := newFakeClock()
	cfg := noTimeoutConfig()
	cfg.FailFast = false
	p := newTestPipeline(cfg, clock)

	require.NoError(t, p.AddStage(&rawStage{id: "optional", run: func(context.Context, *Context[[]string]) (bool, error) {
		return false, nil
	}}))
	require.NoError(t, p.AddStage(appendStage(clock, "independent")))

	data, err := p.Execute(context.Background(), &Context[[]string]{})
	require.NoError(t, err)
	assert.Equal(t, []string{"independent"}, data)
	assert.Equal(t, StatusError, p.Metrics().StageMetrics["optional"].Status)
	assert.Equal(t, StateCompleted, p.State())
}

func TestPipeline_DependencyNotSatisfied(t *testing.T) {
	clock := newFakeClock()
	cfg := noTimeoutConfig()
	cfg.FailFast = false
	p := newTestPipeline(cfg, clock)

	require.NoError(t, p.AddStage(&rawStage{id: "A", run: func(context.Context, *Context[[]string]) (bool, error) {
		return false, nil
	}}))
	require.NoError(t, p.AddStage(appendStage(clock, "B", "A")))

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeDependencyNotSatisfied))
	assert.Contains(t, err.Error(), "requires A")
	assert.Equal(t, CodeDependencyNotSatisfied, p.Metrics().StageMetrics["B"].Error.Code)
}

func TestPipeline_TimeoutWrapsStage(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig
	cfg.Timeout = 50 * time.Millisecond
	p := newTestPipeline(cfg, clock)

	var calls int32
	require.NoError(t, p.AddStage(&rawStage{id: "hangs", run: func(ctx context.Context, _ *Context[[]string]) (bool, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return false, ctx.Err()
	}}))

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	assert.True(t, HasCode(err, CodeStageTimeout))
	assert.Equal(t, StatusError, p.Metrics().StageMetrics["hangs"].Status)
}

func TestPipeline_StageTimeoutNotRetried(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	var calls int32
	require.NoError(t, p.AddStage(MustStage("slow", func(ctx context.Context, _ *Context[[]string]) (bool, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return false, ctx.Err()
	}, WithStageConfig(StageConfig{Timeout: 20 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Millisecond}), WithStageClock(clock))))

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	require.Error(t, err)
	assert.Equal(t, CodeStageTimeout, CodeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPipeline_SubscribeReceivesUpdates(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(appendStage(clock, "A")))

	var snapshots []Metrics
	unsubscribe := p.Subscribe(func(m Metrics) { snapshots = append(snapshots, m) })
	var others int
	p.Subscribe(func(Metrics) { others++ })

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, StatusSuccess, last.StageMetrics["A"].Status)
	assert.False(t, last.EndTime.IsZero())

	seen := len(snapshots)
	unsubscribe()
	_, err = p.Execute(context.Background(), &Context[[]string]{})
	require.NoError(t, err)
	assert.Len(t, snapshots, seen)
	assert.Equal(t, 2*seen, others)

	snapshots[0].StageMetrics["A"] = StageMetrics{Status: StatusError}
	assert.Equal(t, StatusSuccess, p.Metrics().StageMetrics["A"].Status)
}

func TestPipeline_EmitsMetricsAndLogs(t *testing.T) {
	clock := newFakeClock()
	sink := metrics.NewRecorder()
	rec := logging.NewRecorder()
	p := newTestPipeline(noTimeoutConfig(), clock, WithPipelineName("validation"), WithMetricsSink(sink), WithLogger(rec))

	require.NoError(t, p.AddStage(appendStage(clock, "A")))
	require.NoError(t, p.AddStage(&rawStage{id: "B", deps: []string{"A"}, run: func(context.Context, *Context[[]string]) (bool, error) {
		return false, errors.New("boom")
	}}))

	_, err := p.Execute(context.Background(), &Context[[]string]{})
	require.Error(t, err)

	assert.Equal(t, 1, sink.Counter(MetricRuns, metrics.Tags{"pipeline": "validation", "outcome": "failed"}))
	assert.Len(t, sink.Observations(MetricStageDuration, metrics.Tags{"stage": "A", "status": "success"}), 1)
	assert.Len(t, sink.Observations(MetricStageDuration, metrics.Tags{"stage": "B", "status": "error"}), 1)

	assert.Equal(t, 1, rec.Count("error"))
	errEntry := rec.Entries()[slices.IndexFunc(rec.Entries(), func(e logging.Entry) bool { return e.Level == "error" })]
	assert.Equal(t, "validation", errEntry.Fields["pipeline"])
	assert.Equal(t, string(CodeStageExecutionFailed), errEntry.Fields["code"])
}

func TestPipeline_ExecuteNilContext(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(noTimeoutConfig(), clock)
	require.NoError(t, p.AddStage(appendStage(clock, "A")))

	data, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, data)
}
