// Package retry implements the bounded retry/backoff wrapper applied around
// every external generation-service call.
//
// A unit of work is retried only when it fails with an error marked by
// [Transient]. Anything else (invalid argument, authentication, permanently
// exhausted quota) is returned after the first attempt. When the attempt
// ceiling is reached the last error is surfaced tagged as an
// EXTERNAL_SERVICE error.
//
//	resp, stats, err := retry.Do(ctx, policy, "plan", func(ctx context.Context) (string, error) {
//	    return svc.GenerateText(ctx, req)
//	})
//
// Each attempt runs under its own [Policy.CallTimeout] deadline. A deadline hit
// on a single attempt counts as a transient failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/observability"
)

// TransientError wraps an error to indicate it should trigger a retry.
// Wrap rate limiting, timeouts and transient server errors with this type.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Transient(nil) is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient checks if an error is wrapped with TransientError.
func IsTransient(err error) bool {
	return errors.As(err, new(*TransientError))
}

// Policy configures attempts and backoff for one class of calls.
type Policy struct {
	// Attempts is the attempt ceiling, including the first call.
	Attempts int
	// BaseDelay is the wait after the first failure. It doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter is the fraction (0..1) of each delay that is randomized.
	Jitter float64
	// CallTimeout bounds a single attempt. Zero means no per-attempt deadline.
	CallTimeout time.Duration
}

// DefaultPolicy matches the behavior of the text/vision calls: 8 attempts,
// 2s doubling to at most 120s, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:    8,
		BaseDelay:   2 * time.Second,
		MaxDelay:    120 * time.Second,
		Jitter:      0.2,
		CallTimeout: 2 * time.Minute,
	}
}

// Stats reports what happened inside a wrapped call.
type Stats struct {
	Attempts int           // total calls made
	Retries  int           // Attempts - 1 when at least one call was made
	Elapsed  time.Duration // wall time including backoff
}

// Do executes fn up to p.Attempts times with exponential backoff.
// It only retries errors wrapped with [TransientError]; other errors are
// returned immediately. Returns ctx.Err() if ctx is cancelled while waiting.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, Stats, error) {
	var zero T
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay
	start := time.Now()
	stats := Stats{}
	var lastErr error

	for i := range attempts {
		stats.Attempts = i + 1
		v, err := call(ctx, p.CallTimeout, fn)
		if err == nil {
			stats.Retries = i
			stats.Elapsed = time.Since(start)
			observability.Service().OnCallComplete(ctx, op, stats.Attempts, stats.Elapsed, nil)
			return v, stats, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, finish(ctx, op, &stats, start, ctx.Err()), ctx.Err()
		}
		if !IsTransient(err) {
			err = tag(op, err, false, stats.Attempts)
			return zero, finish(ctx, op, &stats, start, err), err
		}

		if i < attempts-1 {
			wait := backoff(delay, p.Jitter)
			observability.Service().OnRetry(ctx, op, i+1, wait, err)
			select {
			case <-ctx.Done():
				return zero, finish(ctx, op, &stats, start, ctx.Err()), ctx.Err()
			case <-time.After(wait):
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	err := tag(op, lastErr, true, stats.Attempts)
	return zero, finish(ctx, op, &stats, start, err), err
}

// Run is [Do] for units of work without a result.
func Run(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) (Stats, error) {
	_, stats, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return stats, err
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		err = Transient(fmt.Errorf("call timed out after %s: %w", timeout, err))
	}
	return v, err
}

func finish(ctx context.Context, op string, stats *Stats, start time.Time, err error) Stats {
	stats.Retries = max(stats.Attempts-1, 0)
	stats.Elapsed = time.Since(start)
	observability.Service().OnCallComplete(ctx, op, stats.Attempts, stats.Elapsed, err)
	return *stats
}

// tag marks a failure as an external-service error unless the unit of work
// already classified it.
func tag(op string, err error, exhausted bool, attempts int) error {
	if pberrors.GetCode(err) != "" {
		return err
	}
	if exhausted {
		return pberrors.Wrap(pberrors.ErrCodeExternalService, err, "%s failed after %d attempts", op, attempts)
	}
	return pberrors.Wrap(pberrors.ErrCodeExternalService, err, "%s failed", op)
}

func backoff(d time.Duration, jitter float64) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter = min(max(jitter, 0), 1)
	if jitter == 0 {
		return d
	}
	spread := float64(d) * jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
