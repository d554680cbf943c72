package retry

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy handles retry logic with exponential backoff
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration

	// retryable decides whether an error is worth another attempt
	retryable func(error) bool
}

// NewRetryPolicy creates a new retry policy that retries every error
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     30 * time.Second,
		retryable:    func(error) bool { return true },
	}
}

// WithRetryable limits retries to errors accepted by fn
func (r *RetryPolicy) WithRetryable(fn func(error) bool) *RetryPolicy {
	r.retryable = fn
	return r
}

// MaxAttempts returns the attempt budget
func (r *RetryPolicy) MaxAttempts() int {
	return r.maxAttempts
}

// Execute runs fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx ends.
func (r *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.initialDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		if !r.retryable(err) {
			return err
		}

		// Don't sleep after last attempt
		if attempt < r.maxAttempts {
			if err := Sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry interrupted: %w", lastErr)
			}
			delay = time.Duration(float64(delay) * 1.5)
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}
	}

	if r.maxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// Sleep pauses for d or until ctx ends, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
