package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// Operation is one boundary call. Fallbacks receive the same arguments the
// primary call was made with.
type Operation func(ctx context.Context, args ...any) (any, error)

// Executor owns the per-process breakers and bulkheads and runs operations
// through the full wrapper stack. Create one at process start; state is
// reset only via ResetForTest.
type Executor struct {
	mu        sync.RWMutex
	profiles  map[Kind]Profile
	breakers  map[Kind]*Breaker
	bulkheads map[Kind]*semaphore.Weighted
	fallbacks map[string]Operation
}

// NewExecutor builds an executor from the given profiles (nil means
// DefaultProfiles).
func NewExecutor(profiles map[Kind]Profile) *Executor {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	e := &Executor{
		profiles:  profiles,
		breakers:  make(map[Kind]*Breaker, len(profiles)),
		bulkheads: make(map[Kind]*semaphore.Weighted, len(profiles)),
		fallbacks: make(map[string]Operation),
	}
	for kind, p := range profiles {
		e.breakers[kind] = NewBreaker(kind, p.FailureThreshold, p.RecoveryTimeout)
		max := p.MaxConcurrent
		if max <= 0 {
			max = 1
		}
		e.bulkheads[kind] = semaphore.NewWeighted(max)
	}
	return e
}

// RegisterFallback binds a named fallback. Callers opt in per call with
// WithFallback(name); an unknown name re-raises the original error.
func (e *Executor) RegisterFallback(name string, op Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[name] = op
}

// Breaker returns the breaker for a kind, for snapshots in health checks.
func (e *Executor) Breaker(kind Kind) *Breaker {
	return e.breakers[kind]
}

// Snapshots returns all breaker snapshots.
func (e *Executor) Snapshots() []BreakerSnapshot {
	out := make([]BreakerSnapshot, 0, len(e.breakers))
	for _, b := range e.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetForTest returns every breaker to closed state.
func (e *Executor) ResetForTest() {
	for _, b := range e.breakers {
		b.Reset()
	}
}

type callOptions struct {
	fallbackName string
	args         []any
}

// CallOption customizes one Do invocation.
type CallOption func(*callOptions)

// WithFallback names the registered fallback invoked on terminal failure.
func WithFallback(name string) CallOption {
	return func(o *callOptions) { o.fallbackName = name }
}

// WithArgs carries the primary call's arguments so a fallback sees them.
func WithArgs(args ...any) CallOption {
	return func(o *callOptions) { o.args = args }
}

// Do runs op through Bulkhead -> CircuitBreaker -> Retry -> Timeout.
//
// A terminal failure (circuit open, retries exhausted, or timeout) invokes
// the named fallback when one is configured; if the fallback is absent or
// itself fails, the original error is returned.
func (e *Executor) Do(ctx context.Context, kind Kind, op Operation, opts ...CallOption) (any, error) {
	var o callOptions
	for _, apply := range opts {
		apply(&o)
	}

	profile, ok := e.profiles[kind]
	if !ok {
		return nil, fmt.Errorf("op=resilience.Do kind=%s: %w: unknown dependency kind", kind, domain.ErrInvalidArgument)
	}

	bh := e.bulkheads[kind]
	if err := bh.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("op=resilience.Do kind=%s bulkhead: %w", kind, err)
	}
	defer bh.Release(1)

	br := e.breakers[kind]
	if err := br.Allow(); err != nil {
		return e.withFallback(ctx, o, err)
	}

	result, err := e.retry(ctx, kind, profile, op, o.args)
	if err != nil {
		br.RecordFailure()
		return e.withFallback(ctx, o, err)
	}
	br.RecordSuccess()
	return result, nil
}

// retry runs the attempt loop with exponential backoff and +/-10% jitter.
// Circuit-open errors are never retried.
func (e *Executor) retry(ctx context.Context, kind Kind, profile Profile, op Operation, args []any) (any, error) {
	var result any

	attempt := func() error {
		v, err := e.withTimeout(ctx, profile.AttemptTimeout, op, args)
		if err != nil {
			if errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}

	if !profile.RetryEnabled || profile.MaxRetries <= 1 {
		if err := attempt(); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return nil, perm.Err
			}
			return nil, err
		}
		return result, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = profile.BackoffMin
	bo.MaxInterval = profile.BackoffMax
	bo.Multiplier = profile.BackoffMultiplier
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(profile.MaxRetries-1)), ctx))
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			return nil, err
		}
		slog.Warn("retries exhausted",
			slog.String("kind", string(kind)),
			slog.Int("max_retries", profile.MaxRetries),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", domain.ErrRetryExhausted, err)
	}
	return result, nil
}

// withTimeout enforces the per-attempt wall-clock deadline even when the
// operation ignores its context.
func (e *Executor) withTimeout(ctx context.Context, timeout time.Duration, op Operation, args []any) (any, error) {
	if timeout <= 0 {
		return op(ctx, args...)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(tctx, args...)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("op deadline exceeded after %s: %w", timeout, domain.ErrTimeout)
		}
		return out.value, out.err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("op deadline exceeded after %s: %w", timeout, domain.ErrTimeout)
		}
		return nil, tctx.Err()
	}
}

// withFallback invokes the named fallback with the original arguments, or
// re-raises the original error.
func (e *Executor) withFallback(ctx context.Context, o callOptions, original error) (any, error) {
	if o.fallbackName == "" {
		return nil, original
	}
	e.mu.RLock()
	fb, ok := e.fallbacks[o.fallbackName]
	e.mu.RUnlock()
	if !ok {
		slog.Warn("fallback not registered", slog.String("fallback", o.fallbackName))
		return nil, original
	}
	v, err := fb(ctx, o.args...)
	if err != nil {
		slog.Warn("fallback failed, re-raising original error",
			slog.String("fallback", o.fallbackName),
			slog.Any("fallback_error", err))
		return nil, original
	}
	slog.Info("fallback served request",
		slog.String("fallback", o.fallbackName),
		slog.Any("original_error", original))
	return v, nil
}
