package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

func fastProfiles() map[Kind]Profile {
	profiles := DefaultProfiles()
	for kind, p := range profiles {
		p.BackoffMin = time.Millisecond
		p.BackoffMax = 5 * time.Millisecond
		p.AttemptTimeout = 200 * time.Millisecond
		profiles[kind] = p
	}
	return profiles
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	b := NewBreaker(KindLLM, 3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Allow(), domain.ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// A single success in half-open closes the circuit.
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(KindHTTP, 1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
}

func TestDo_CircuitOpenSkipsInnerOp(t *testing.T) {
	e := NewExecutor(fastProfiles())
	var calls atomic.Int64

	failing := func(ctx context.Context, _ ...any) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	}

	// LLM profile: threshold 3, max retries 3. Three failing calls trip the
	// breaker; the fourth is rejected without executing the inner op.
	for i := 0; i < 3; i++ {
		_, err := e.Do(context.Background(), KindLLM, failing)
		require.Error(t, err)
	}
	before := calls.Load()
	require.Equal(t, int64(9), before) // 3 calls x 3 attempts

	_, err := e.Do(context.Background(), KindLLM, failing)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.Equal(t, before, calls.Load())
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	e := NewExecutor(fastProfiles())
	var calls atomic.Int64

	flaky := func(ctx context.Context, _ ...any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}

	v, err := e.Do(context.Background(), KindHTTP, flaky)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, int64(3), calls.Load())
	require.Equal(t, StateClosed, e.Breaker(KindHTTP).State())
}

func TestDo_DatabaseWritesNotRetried(t *testing.T) {
	e := NewExecutor(fastProfiles())
	var calls atomic.Int64

	failing := func(ctx context.Context, _ ...any) (any, error) {
		calls.Add(1)
		return nil, errors.New("constraint violation")
	}

	_, err := e.Do(context.Background(), KindDatabase, failing)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestDo_TimeoutIsTyped(t *testing.T) {
	profiles := fastProfiles()
	p := profiles[KindHTTP]
	p.AttemptTimeout = 20 * time.Millisecond
	p.RetryEnabled = false
	profiles[KindHTTP] = p
	e := NewExecutor(profiles)

	slow := func(ctx context.Context, _ ...any) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, err := e.Do(context.Background(), KindHTTP, slow)
	require.ErrorIs(t, err, domain.ErrTimeout)
}

func TestDo_NamedFallback(t *testing.T) {
	e := NewExecutor(fastProfiles())
	e.RegisterFallback("heuristic_mapping_fallback", func(ctx context.Context, args ...any) (any, error) {
		require.Len(t, args, 1)
		return fmt.Sprintf("heuristic:%v", args[0]), nil
	})

	failing := func(ctx context.Context, _ ...any) (any, error) {
		return nil, errors.New("llm unavailable")
	}

	v, err := e.Do(context.Background(), KindLLM, failing,
		WithFallback("heuristic_mapping_fallback"), WithArgs("email_addr"))
	require.NoError(t, err)
	require.Equal(t, "heuristic:email_addr", v)
}

func TestDo_AbsentFallbackReraisesOriginal(t *testing.T) {
	e := NewExecutor(fastProfiles())
	original := errors.New("llm unavailable")

	_, err := e.Do(context.Background(), KindLLM,
		func(ctx context.Context, _ ...any) (any, error) { return nil, original },
		WithFallback("does_not_exist"))
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	require.ErrorContains(t, err, "llm unavailable")
}

func TestBulkhead_BoundsInFlight(t *testing.T) {
	profiles := fastProfiles()
	p := profiles[KindRAG]
	p.MaxConcurrent = 2
	p.RetryEnabled = false
	p.AttemptTimeout = time.Second
	profiles[KindRAG] = p
	e := NewExecutor(profiles)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	op := func(ctx context.Context, _ ...any) (any, error) {
		n := inFlight.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Do(context.Background(), KindRAG, op)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(2))
}
