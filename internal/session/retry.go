package session

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/clock"
	"math"
	"time"
)

// RetryPolicy is a pure backoff schedule: attempt n waits BaseDelay*Multiplier^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   60 * time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
	}
}

// Retryable reports whether a failure of this kind is worth another attempt.
// Auth and rejected errors will fail the same way again.
func Retryable(kind broker.Kind) bool {
	return kind == broker.KindRateLimited || kind == broker.KindNetwork
}

// Next returns the wait after the given (1-based) failed attempt, or false when the caller must give up.
func (p RetryPolicy) Next(kind broker.Kind, attempt int) (time.Duration, bool) {
	if !Retryable(kind) {
		return 0, false
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return 0, false
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && wait > float64(p.MaxDelay) {
		wait = float64(p.MaxDelay)
	}
	return time.Duration(wait), true
}

// Run calls fn until it succeeds, the policy gives up, or retryable rejects the failure kind.
// A nil retryable accepts every kind the policy itself retries.
func (p RetryPolicy) Run(ctx context.Context, clk clock.Clock, retryable func(broker.Kind) bool, fn func(attempt int) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		kind := broker.Classify(err)
		if retryable != nil && !retryable(kind) {
			return err
		}
		wait, ok := p.Next(kind, attempt)
		if !ok {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		if sleepErr := clk.Sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}
