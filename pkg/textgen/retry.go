package textgen

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted wraps the last transient error once a policy gives up.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy is the single retry strategy for external calls: item source
// searches, per-item summarization, cross-referencing, synthesis and
// answers all use it.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// AttemptTimeout bounds each attempt; an attempt that runs out of time
	// while the parent context is alive is retried as transient.
	AttemptTimeout time.Duration
	// Retryable decides whether an attempt error is retried. Defaults to IsTransient.
	Retryable func(error) bool
	// OnRetry is called before sleeping.
	OnRetry func(op string, attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns three attempts with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns the backoff before attempt+1, where attempt starts at 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails permanently, the attempts run out or
// ctx is done. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := p.attempt(ctx, attempt, fn)
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		if !retryable(err) {
			return attempt, err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return maxAttempts, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, maxAttempts, lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, n int, fn func(context.Context, int) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, n)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := fn(actx, n)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var te *Error
		if !errors.As(err, &te) {
			err = &Error{Kind: Transient, Provider: "attempt", Err: fmt.Errorf("attempt timed out after %s: %w", p.AttemptTimeout, err)}
		}
	}
	return err
}
