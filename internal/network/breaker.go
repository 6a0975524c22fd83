package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/isoflow/internal/runtime/logging"
)

// BreakerSettings configures BreakerClient.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half open.
	MaxRequests uint32
	// Interval clears the counts while closed. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// FailureRatio trips the breaker once MinimumSamples requests were seen.
	FailureRatio   float64
	MinimumSamples uint32
}

// DefaultBreakerSettings trips at 60% failures over at least five calls.
var DefaultBreakerSettings = BreakerSettings{
	Name:           "settlement-network",
	MaxRequests:    1,
	Interval:       time.Minute,
	Timeout:        30 * time.Second,
	FailureRatio:   0.6,
	MinimumSamples: 5,
}

// BreakerClient guards every call to the network with a circuit breaker.
// Waiting for confirmation is not guarded.
type BreakerClient struct {
	next   Client
	cb     *gobreaker.CircuitBreaker
	logger logging.ServiceLogger
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps next. Unknown message errors and caller
// cancellation do not count as failures.
func NewBreakerClient(next Client, settings BreakerSettings, logger logging.ServiceLogger) *BreakerClient {
	if settings.Name == "" {
		settings.Name = DefaultBreakerSettings.Name
	}
	log := logging.OrNop(logger).With(logging.LogFields{"breaker": settings.Name})
	b := &BreakerClient{next: next, logger: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinimumSamples || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed", logging.LogFields{"from": from.String(), "to": to.String()})
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownMessage) || errors.Is(err, context.Canceled)
		},
	})
	return b
}

// State reports the breaker state: closed, half-open or open.
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}

func call[R any](b *BreakerClient, op string, fn func() (R, error)) (R, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero R
		b.logger.Error("Network call rejected by circuit breaker", err, logging.LogFields{"operation": op})
		return zero, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, op, err)
	}
	if err != nil {
		var zero R
		return zero, err
	}
	r, _ := out.(R)
	return r, nil
}

func (b *BreakerClient) SubmitMessage(ctx context.Context, sub Submission) (PendingTransaction, error) {
	return call(b, "submit", func() (PendingTransaction, error) { return b.next.SubmitMessage(ctx, sub) })
}

func (b *BreakerClient) RetryMessage(ctx context.Context, protocolID string) (PendingTransaction, error) {
	return call(b, "retry", func() (PendingTransaction, error) { return b.next.RetryMessage(ctx, protocolID) })
}

func (b *BreakerClient) GetMessageResult(ctx context.Context, protocolID string) (Result, error) {
	return call(b, "get_result", func() (Result, error) { return b.next.GetMessageResult(ctx, protocolID) })
}

func (b *BreakerClient) CancelMessage(ctx context.Context, protocolID string) (bool, error) {
	return call(b, "cancel", func() (bool, error) { return b.next.CancelMessage(ctx, protocolID) })
}

func (b *BreakerClient) QuoteMessageFee(ctx context.Context, sub Submission) (Fee, error) {
	return call(b, "quote_fee", func() (Fee, error) { return b.next.QuoteMessageFee(ctx, sub) })
}
