// Package retry runs an operation again when it fails with an error the
// caller classifies as transient.
//
// Kaden retries provider calls at most once (two attempts in total), and only
// for rate-limit and timeout failures:
//
//	res, err := retry.Value(ctx, retry.Policy{Attempts: 2, Backoff: time.Second, Retryable: llm.IsTransient},
//		func(ctx context.Context) (*llm.Result, error) { return p.Generate(ctx, req) })
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, the first one included.
	// Values below 1 mean a single call.
	Attempts int
	// Backoff is the wait before the second call. Each later wait doubles,
	// capped at MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Retryable reports whether err is worth another call. Nil means no
	// error is retried.
	Retryable func(err error) bool
	// OnRetry, when set, is invoked before every wait.
	OnRetry func(attempt int, err error)
}

// Once is the policy used around provider calls: one extra attempt after a
// short pause.
func Once(retryable func(error) bool) Policy {
	return Policy{Attempts: 2, Backoff: 750 * time.Millisecond, MaxBackoff: 5 * time.Second, Retryable: retryable}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are used up, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	wait := p.Backoff
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = 10 * time.Second
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(lastErr, err)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if p.Retryable == nil || !p.Retryable(err) || attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		slog.Debug("retry: transient failure", "attempt", attempt, "of", attempts, "err", err, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, errors.Join(lastErr, ctx.Err())
		case <-t.C:
		}
		wait = min(wait*2, limit)
	}
	return zero, lastErr
}
