package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxElapsed  = 2 * time.Minute
)

// Policy describes bounded exponential retry. The zero value retries three
// times with a 200ms base delay and treats every error as retryable.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter     float64
	MaxElapsed time.Duration
	Retryable  func(error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, next time.Duration)
}

// RetryAfterError carries a server-provided delay that replaces the next backoff step.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfterOf extracts a retry-after hint from the error chain.
func RetryAfterOf(err error) (time.Duration, bool) {
	var hinted *RetryAfterError
	if errors.As(err, &hinted) && hinted.After > 0 {
		return hinted.After, true
	}

	return 0, false
}

// Merge returns p with every non-zero field of override applied.
func (p Policy) Merge(override *Policy) Policy {
	if override == nil {
		return p
	}

	merged := p
	if override.MaxAttempts > 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelay > 0 {
		merged.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		merged.MaxDelay = override.MaxDelay
	}
	if override.Multiplier > 0 {
		merged.Multiplier = override.Multiplier
	}
	if override.Jitter > 0 {
		merged.Jitter = override.Jitter
	}
	if override.MaxElapsed > 0 {
		merged.MaxElapsed = override.MaxElapsed
	}
	if override.Retryable != nil {
		merged.Retryable = override.Retryable
	}
	if override.OnRetry != nil {
		merged.OnRetry = override.OnRetry
	}

	return merged
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = defaultMaxElapsed
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return true }
	}

	return p
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends. The last error returned by op is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter

	var (
		attempt int
		lastErr error
	)

	operation := func() (struct{}, error) {
		attempt++
		err := op(ctx, attempt)
		lastErr = err
		if err == nil {
			return struct{}{}, nil
		}
		if !p.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if after, ok := RetryAfterOf(err); ok {
			return struct{}{}, &backoff.RetryAfterError{Duration: after}
		}

		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(_ error, next time.Duration) {
			p.OnRetry(attempt, lastErr, next)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, lastErr)
	}

	return lastErr
}
