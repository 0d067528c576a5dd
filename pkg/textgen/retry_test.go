package textgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func transientErr() error {
	return &Error{Kind: Transient, Provider: "fake", Status: 503, Err: errors.New("unavailable")}
}

func TestRetryPolicySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), "summarize", func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return transientErr()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyExhausted(t *testing.T) {
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(op string, attempt int, err error, delay time.Duration) {
		assert.Equal(t, "summarize", op)
		retried = append(retried, attempt)
	}

	attempts, err := p.Do(context.Background(), "summarize", func(ctx context.Context, attempt int) error {
		return transientErr()
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsTransient(err), "last error stays reachable")
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryPolicyPermanentIsNotRetried(t *testing.T) {
	calls := 0
	perm := &Error{Kind: Permanent, Provider: "fake", Status: 400, Err: errors.New("bad request")}

	attempts, err := fastPolicy(5).Do(context.Background(), "synthesis", func(ctx context.Context, attempt int) error {
		calls++
		return perm
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, perm)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetryPolicyAttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 10 * time.Millisecond

	calls := 0
	attempts, err := p.Do(context.Background(), "summarize", func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, "summarize", func(ctx context.Context, attempt int) error {
			return transientErr()
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))
}
