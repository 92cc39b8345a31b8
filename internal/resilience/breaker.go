package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed BreakerState = iota
	// StateHalfOpen indicates a trial state where a single probe tests recovery.
	StateHalfOpen
	// StateOpen indicates the circuit is open and operations are rejected.
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for one dependency kind.
type Breaker struct {
	mu sync.Mutex

	kind             Kind
	failureThreshold int
	recoveryTimeout  time.Duration

	state           BreakerState
	failureCount    int
	lastFailureTime time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// BreakerSnapshot is a read-only view of breaker state for health checks.
type BreakerSnapshot struct {
	Kind             Kind      `json:"kind"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	TotalRequests    int64     `json:"total_requests"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	StateChanges     int64     `json:"state_changes"`
	LastFailure      time.Time `json:"last_failure"`
}

// NewBreaker creates a circuit breaker for the given kind.
func NewBreaker(kind Kind, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		kind:             kind,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed. From OPEN it rejects with
// domain.ErrCircuitOpen until the recovery timeout has elapsed, then lets the
// next call through as a half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.recoveryTimeout {
			b.setState(StateHalfOpen)
			slog.Info("circuit breaker transitioning to half-open",
				slog.String("kind", string(b.kind)),
				slog.Duration("recovery_timeout", b.recoveryTimeout))
			return nil
		}
		return fmt.Errorf("breaker %s: %w", b.kind, domain.ErrCircuitOpen)
	default:
		return fmt.Errorf("breaker %s: %w", b.kind, domain.ErrCircuitOpen)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalSuccesses++
	b.failureCount = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
		slog.Info("circuit breaker closed after successful probe", slog.String("kind", string(b.kind)))
	}
}

// RecordFailure increments the failure count and opens the circuit when the
// threshold is reached. Any failure in half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.setState(StateOpen)
			slog.Warn("circuit breaker opened",
				slog.String("kind", string(b.kind)),
				slog.Int("failure_count", b.failureCount),
				slog.Int("failure_threshold", b.failureThreshold))
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		slog.Warn("circuit breaker reopened after half-open failure", slog.String("kind", string(b.kind)))
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a read-only view of the breaker for health endpoints.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Kind:             b.kind,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		TotalRequests:    b.totalRequests,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		StateChanges:     b.stateChanges,
		LastFailure:      b.lastFailureTime,
	}
}

// Reset returns the breaker to closed state. Test hook.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failureCount = 0
	b.totalRequests = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.lastFailureTime = time.Time{}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(s BreakerState) {
	if b.state != s {
		b.stateChanges++
	}
	b.state = s
	observability.BreakerState.WithLabelValues(string(b.kind)).Set(float64(s))
}
