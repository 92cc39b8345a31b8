// Package resilience composes circuit breaking, retries, timeouts, bulkheads
// and name-bound fallbacks around calls to external dependencies.
//
// Composition order is Bulkhead -> CircuitBreaker -> Retry -> Timeout -> op.
// Every boundary call (LLM, RAG, Redis, database, outbound HTTP) is expected
// to go through Executor.Do; an unwrapped external call is a design bug.
package resilience

import "time"

// Kind identifies a dependency class. Breakers and bulkheads are keyed by
// kind, per process.
type Kind string

const (
	KindLLM      Kind = "llm"
	KindRAG      Kind = "rag"
	KindRedis    Kind = "redis"
	KindDatabase Kind = "database"
	KindHTTP     Kind = "http"
)

// Profile parameterizes the full wrapper stack for one dependency kind.
type Profile struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	AttemptTimeout    time.Duration
	RetryEnabled      bool
	MaxRetries        int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	MaxConcurrent     int64
}

// DefaultProfiles returns the per-kind defaults. Database writes are never
// retried, so the DATABASE profile disables retry entirely.
func DefaultProfiles() map[Kind]Profile {
	return map[Kind]Profile{
		KindLLM: {
			FailureThreshold:  3,
			RecoveryTimeout:   60 * time.Second,
			AttemptTimeout:    45 * time.Second,
			RetryEnabled:      true,
			MaxRetries:        3,
			BackoffMin:        2 * time.Second,
			BackoffMax:        20 * time.Second,
			BackoffMultiplier: 2.0,
			MaxConcurrent:     10,
		},
		KindRAG: {
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			AttemptTimeout:    10 * time.Second,
			RetryEnabled:      true,
			MaxRetries:        3,
			BackoffMin:        500 * time.Millisecond,
			BackoffMax:        5 * time.Second,
			BackoffMultiplier: 2.0,
			MaxConcurrent:     20,
		},
		KindRedis: {
			FailureThreshold:  5,
			RecoveryTimeout:   15 * time.Second,
			AttemptTimeout:    5 * time.Second,
			RetryEnabled:      true,
			MaxRetries:        2,
			BackoffMin:        100 * time.Millisecond,
			BackoffMax:        2 * time.Second,
			BackoffMultiplier: 2.0,
			MaxConcurrent:     50,
		},
		KindDatabase: {
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			AttemptTimeout:    15 * time.Second,
			RetryEnabled:      false,
			MaxRetries:        0,
			BackoffMin:        time.Second,
			BackoffMax:        10 * time.Second,
			BackoffMultiplier: 2.0,
			MaxConcurrent:     50,
		},
		KindHTTP: {
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			AttemptTimeout:    30 * time.Second,
			RetryEnabled:      true,
			MaxRetries:        3,
			BackoffMin:        time.Second,
			BackoffMax:        15 * time.Second,
			BackoffMultiplier: 2.0,
			MaxConcurrent:     30,
		},
	}
}
