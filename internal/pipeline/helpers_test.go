package pipeline

import (
	"context"
	"sync"
	"time"
)

// fakeClock fires timers immediately unless fires says otherwise. Every
// requested timer duration is recorded.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	fires  func(time.Duration) bool
	timers []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		fires: func(d time.Duration) bool { return d < time.Minute },
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, d)
	t := &fakeTimer{ch: make(chan time.Time, 1)}
	if c.fires(d) {
		c.now = c.now.Add(d)
		t.ch <- c.now
	}
	return t
}

// delays returns recorded timer durations other than skip.
func (c *fakeClock) delays(skip time.Duration) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, d := range c.timers {
		if d != skip {
			out = append(out, d)
		}
	}
	return out
}

type fakeTimer struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// rawStage implements Stage without BaseStage so graph checks can be
// exercised with arbitrary dependency sets.
type rawStage struct {
	id   string
	deps []string
	run  func(context.Context, *Context[[]string]) (bool, error)
}

func (s *rawStage) ID() string             { return s.id }
func (s *rawStage) Dependencies() []string { return append([]string(nil), s.deps...) }
func (s *rawStage) Execute(ctx context.Context, pc *Context[[]string]) (bool, error) {
	if s.run != nil {
		return s.run(ctx, pc)
	}
	pc.Data = append(pc.Data, s.id)
	return true, nil
}

// longTimeout never fires on the fake clock.
var longTimeout = time.Hour

func testStageConfig() StageConfig {
	return StageConfig{Timeout: longTimeout, MaxRetries: 0, RetryDelay: 10 * time.Millisecond}
}

// appendStage builds a stage that records its id into the context data.
func appendStage(clock Clock, id string, deps ...string) *BaseStage[[]string] {
	return MustStage(id, func(_ context.Context, pc *Context[[]string]) (bool, error) {
		pc.Data = append(pc.Data, id)
		return true, nil
	}, WithDependencies(deps...), WithStageConfig(testStageConfig()), WithStageClock(clock))
}

func newTestPipeline(cfg Config, clock Clock, opts ...Option) *Pipeline[[]string] {
	p, err := New[[]string](cfg, append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		panic(err)
	}
	return p
}
