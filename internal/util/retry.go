// Package util provides shared utility functions for wikiimport.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// BackoffPolicy bounds a retry loop.
type BackoffPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
}

// DatabaseRetryOptions returns retry options optimized for database operations.
// Uses linear backoff (100ms, 200ms, 300ms) suitable for transient lock errors.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// BackoffRetryOptions returns exponential backoff with random jitter, retrying
// only errors accepted by retryIf.
func BackoffRetryOptions(ctx context.Context, p BackoffPolicy, retryIf func(error) bool) []retry.Option {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	// RandomDelay draws from [0, MaxJitter) and must not see a zero bound.
	delayType := retry.BackOffDelay
	if p.MaxJitter > 0 {
		delayType = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}
	opts := []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(p.InitialDelay),
		retry.MaxJitter(p.MaxJitter),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay))
	}
	if retryIf != nil {
		opts = append(opts, retry.RetryIf(retryIf))
	}
	return opts
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
