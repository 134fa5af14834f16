// Package retry implements the backoff policy wrapped around every fallible
// network call: classify the error, wait with exponential backoff between a
// floor and a ceiling, give up after a bounded number of attempts.
package retry

import (
	"context"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/logging"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Policy holds the retry bounds for one class of operation.
type Policy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration

	// sleep is swappable in tests. Nil means time.Sleep via timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// FromTimeouts builds a Policy from the central timeout configuration.
func FromTimeouts(t config.Timeouts) Policy {
	return Policy{
		MaxAttempts: t.MaxAttempts,
		MinWait:     t.RetryMinWait,
		MaxWait:     t.RetryMaxWait,
	}
}

// Backoff returns the wait before the given retry (attempt is 1-based: the
// wait after the first failure is Backoff(1)). Doubles from MinWait and is
// clamped at MaxWait, so consecutive waits are non-decreasing.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := p.MinWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.MaxWait {
			return p.MaxWait
		}
	}
	if wait > p.MaxWait {
		return p.MaxWait
	}
	return wait
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn up to MaxAttempts times. Errors the classifier rejects are
// returned immediately. On exhaustion the last error is returned unchanged
// in kind so callers can still classify it.
func (p Policy) Do(ctx context.Context, label string, retryable Classifier, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			logging.Retry("%s: non-retryable error on attempt %d: %v", label, attempt, lastErr)
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		logging.RetryWarn("%s: attempt %d/%d failed: %v; retrying in %s", label, attempt, attempts, lastErr, wait)
		if err := p.wait(ctx, wait); err != nil {
			return err
		}
	}

	logging.RetryWarn("%s: all %d attempts exhausted: %v", label, attempts, lastErr)
	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, label string, retryable Classifier, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, label, retryable, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}
