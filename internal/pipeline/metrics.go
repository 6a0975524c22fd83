package pipeline

import (
	"slices"
	"sync"
	"time"
)

// StageStatus is the outcome recorded for a stage in the current run.
type StageStatus string

const (
	StatusPending StageStatus = "pending"
	StatusSuccess StageStatus = "success"
	StatusError   StageStatus = "error"
)

// ErrorInfo is the error summary kept in metrics.
type ErrorInfo struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// StageMetrics describes one stage in one run. It is overwritten on every run.
type StageMetrics struct {
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	Status        StageStatus   `json:"status"`
	RetryAttempts int           `json:"retry_attempts"`
	Error         *ErrorInfo    `json:"error,omitempty"`
}

func (m StageMetrics) clone() StageMetrics {
	if m.Error != nil {
		info := *m.Error
		m.Error = &info
	}
	return m
}

// Metrics aggregates one pipeline run.
type Metrics struct {
	ExecutionID  string                  `json:"execution_id"`
	StartTime    time.Time               `json:"start_time"`
	EndTime      time.Time               `json:"end_time"`
	Duration     time.Duration           `json:"duration"`
	StageMetrics map[string]StageMetrics `json:"stage_metrics"`
}

func (m Metrics) clone() Metrics {
	stages := make(map[string]StageMetrics, len(m.StageMetrics))
	for id, sm := range m.StageMetrics {
		stages[id] = sm.clone()
	}
	m.StageMetrics = stages
	return m
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: CodeOf(err), Message: err.Error()}
	if pe, ok := err.(*PipelineError); ok {
		info.Message = pe.Message
		if pe.Err != nil {
			info.Message += ": " + pe.Err.Error()
		}
	}
	return info
}

// listeners is an observer set. Notify works on a snapshot taken under the
// lock, so a listener unsubscribing during notification never affects the
// others in that round.
type listeners[M any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(M)
}

func (l *listeners[M]) subscribe(fn func(M)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(M))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[M]) notify(m M) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	snapshot := make([]func(M), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		snapshot = append(snapshot, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		fn(m)
	}
}

func (l *listeners[M]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
