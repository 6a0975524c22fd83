package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"
)

const latencySampleSize = 256

// UnprocessableEventError marks an event that will never succeed, however
// often it is retried. The poison queue middleware parks such events.
type UnprocessableEventError struct {
	payload string
	err     error
}

func NewUnprocessableEventError(payload []byte, err error) *UnprocessableEventError {
	return &UnprocessableEventError{payload: string(payload), err: err}
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.err.Error()
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.err
}

// Payload returns the raw event body.
func (e *UnprocessableEventError) Payload() string {
	return e.payload
}

// IsUnprocessable reports whether err carries an UnprocessableEventError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableEventError
	return errors.As(err, &target)
}

type ErrorCategory string

const (
	ErrorCategoryNone        ErrorCategory = "none"
	ErrorCategoryUnprocessed ErrorCategory = "unprocessable"
	ErrorCategoryDownstream  ErrorCategory = "downstream"
	ErrorCategoryOther       ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for HandlerStats.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case IsUnprocessable(err):
		return ErrorCategoryUnprocessed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}

type ErrorBreakdown struct {
	Unprocessable uint64 `json:"unprocessable"`
	Downstream    uint64 `json:"downstream"`
	Other         uint64 `json:"other"`
	LastError     string `json:"last_error,omitempty"`
}

func (e *ErrorBreakdown) record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryUnprocessed:
		e.Unprocessable++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// HandlerStats is a point in time view of one handler.
type HandlerStats struct {
	MessagesProcessed   uint64         `json:"messages_processed"`
	MessagesFailed      uint64         `json:"messages_failed"`
	TotalProcessingTime time.Duration  `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time      `json:"last_processed_at"`
	Latency             LatencyMetrics `json:"latency"`
	Errors              ErrorBreakdown `json:"errors"`
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name         string       `json:"name"`
	ConsumeQueue string       `json:"consume_queue"`
	PublishQueue string       `json:"publish_queue,omitempty"`
	Stats        HandlerStats `json:"stats"`
}

// statsRecorder accumulates HandlerStats for one handler.
type statsRecorder struct {
	mu      sync.Mutex
	stats   HandlerStats
	latency *latencyWindow
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{latency: newLatencyWindow(latencySampleSize)}
}

func (r *statsRecorder) record(duration time.Duration, err error, classifier ErrorClassifier, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
	}
	s.TotalProcessingTime += duration
	s.LastProcessedAt = now

	r.latency.add(duration)
	s.Latency = r.latency.snapshot()
	s.Latency.AverageNs = int64(s.TotalProcessingTime) / int64(s.MessagesProcessed)

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.Errors.record(classifier(err), err)
}

func (r *statsRecorder) snapshot() HandlerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// latencyWindow is a ring buffer of the most recent handler durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}
