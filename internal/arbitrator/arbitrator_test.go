package arbitrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

func TestAcquire_FreeResourceAndReentrant(t *testing.T) {
	a := New()
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "crm:cust-1", "agent-a", false)
	require.NoError(t, err)
	require.True(t, ok)

	// Same agent asking again is a no-op success.
	ok, err = a.Acquire(ctx, "crm:cust-1", "agent-a", false)
	require.NoError(t, err)
	require.True(t, ok)

	holder, held := a.Holder("crm:cust-1")
	require.True(t, held)
	require.Equal(t, "agent-a", holder)
}

func TestAcquire_NoWaitDeniedWhileHeld(t *testing.T) {
	a := New()
	ctx := context.Background()

	_, err := a.Acquire(ctx, "r1", "agent-a", false)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx, "r1", "agent-b", false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRelease_HandsOffFIFO(t *testing.T) {
	a := New()
	ctx := context.Background()

	_, err := a.Acquire(ctx, "r1", "agent-a", false)
	require.NoError(t, err)

	got := make(chan string, 2)
	for _, agent := range []string{"agent-b", "agent-c"} {
		agent := agent
		go func() {
			ok, aerr := a.Acquire(ctx, "r1", agent, true)
			if aerr == nil && ok {
				got <- agent
			}
		}()
	}

	// Let both queue before releasing.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.waiters["r1"]) == 2
	}, time.Second, 5*time.Millisecond)

	first := func() string {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.waiters["r1"][0].agentID
	}()

	require.NoError(t, a.Release("r1", "agent-a"))
	require.Equal(t, first, <-got)

	holder, _ := a.Holder("r1")
	require.NoError(t, a.Release("r1", holder))
	<-got
}

func TestRelease_PriorityBeatsQueueOrder(t *testing.T) {
	a := New()
	a.SetPriority("agent-vip", 10)
	ctx := context.Background()

	_, err := a.Acquire(ctx, "r1", "agent-a", false)
	require.NoError(t, err)

	got := make(chan string, 2)
	go func() {
		ok, _ := a.Acquire(ctx, "r1", "agent-b", true)
		if ok {
			got <- "agent-b"
		}
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.waiters["r1"]) == 1
	}, time.Second, 5*time.Millisecond)

	go func() {
		ok, _ := a.Acquire(ctx, "r1", "agent-vip", true)
		if ok {
			got <- "agent-vip"
		}
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.waiters["r1"]) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Release("r1", "agent-a"))
	require.Equal(t, "agent-vip", <-got)
}

func TestAcquire_WaitCycleAborts(t *testing.T) {
	a := New()
	ctx := context.Background()

	_, err := a.Acquire(ctx, "r1", "agent-a", false)
	require.NoError(t, err)
	_, err = a.Acquire(ctx, "r2", "agent-b", false)
	require.NoError(t, err)

	// agent-a queues for r2, held by agent-b.
	go func() { _, _ = a.Acquire(ctx, "r2", "agent-a", true) }()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.waitingOn["agent-a"] == "r2"
	}, time.Second, 5*time.Millisecond)

	// agent-b waiting for r1 would close the cycle; the junior request
	// aborts instead of queueing.
	ok, err := a.Acquire(ctx, "r1", "agent-b", true)
	require.False(t, ok)
	require.ErrorIs(t, err, domain.ErrConflict)

	// The abort leaves agent-b free to finish and unblock agent-a.
	require.NoError(t, a.Release("r2", "agent-b"))
	require.Eventually(t, func() bool {
		holder, held := a.Holder("r2")
		return held && holder == "agent-a"
	}, time.Second, 5*time.Millisecond)
}

func TestAcquire_ContextCancelAbandonsWait(t *testing.T) {
	a := New()
	ctx := context.Background()

	_, err := a.Acquire(ctx, "r1", "agent-a", false)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	ok, err := a.Acquire(waitCtx, "r1", "agent-b", true)
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not receive the next handoff.
	require.NoError(t, a.Release("r1", "agent-a"))
	_, held := a.Holder("r1")
	require.False(t, held)
}

func TestReleaseAll_DropsHoldsAndAbortsWaits(t *testing.T) {
	a := New()
	ctx := context.Background()

	_, err := a.Acquire(ctx, "r1", "agent-a", false)
	require.NoError(t, err)
	_, err = a.Acquire(ctx, "r2", "agent-a", false)
	require.NoError(t, err)
	_, err = a.Acquire(ctx, "r3", "agent-b", false)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, werr := a.Acquire(ctx, "r3", "agent-a", true)
		errc <- werr
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.waitingOn["agent-a"] == "r3"
	}, time.Second, 5*time.Millisecond)

	a.ReleaseAll("agent-a")

	require.ErrorIs(t, <-errc, domain.ErrConflict)
	_, held := a.Holder("r1")
	require.False(t, held)
	_, held = a.Holder("r2")
	require.False(t, held)
	require.Empty(t, a.HeldBy("agent-a"))
}

func TestRelease_WrongAgentRejected(t *testing.T) {
	a := New()
	_, err := a.Acquire(context.Background(), "r1", "agent-a", false)
	require.NoError(t, err)

	require.ErrorIs(t, a.Release("r1", "agent-b"), domain.ErrConflict)
	require.ErrorIs(t, a.Release("missing", "agent-a"), domain.ErrNotFound)
}
