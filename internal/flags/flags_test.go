package flags

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), rdb
}

func TestIsEnabled_TenantBeatsDefault(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "schema_repair", DefaultTenant, true))
	require.False(t, s.IsEnabled(ctx, "other_flag", "acme"))
	require.True(t, s.IsEnabled(ctx, "schema_repair", "acme"))

	require.NoError(t, s.Set(ctx, "schema_repair", "acme", false))
	require.False(t, s.IsEnabled(ctx, "schema_repair", "acme"))
	require.True(t, s.IsEnabled(ctx, "schema_repair", "globex"))
}

func TestIsEnabled_EnvOverrideWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "auto-apply", "acme", true))
	t.Setenv("FEATURE_AUTO_APPLY", "false")
	require.False(t, s.IsEnabled(ctx, "auto-apply", "acme"))

	t.Setenv("FEATURE_AUTO_APPLY", "true")
	require.True(t, s.IsEnabled(ctx, "auto-apply", "nobody"))
}

func TestIsEnabled_PercentageRollout(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPercentage(ctx, "new_router", DefaultTenant, 100))
	require.True(t, s.IsEnabledForUser(ctx, "new_router", "acme", "user-1"))

	require.NoError(t, s.SetPercentage(ctx, "new_router", DefaultTenant, 0))
	s.InvalidateAll()
	require.False(t, s.IsEnabledForUser(ctx, "new_router", "acme", "user-1"))

	// The same user always lands in the same bucket.
	require.NoError(t, s.SetPercentage(ctx, "new_router", DefaultTenant, 50))
	s.InvalidateAll()
	first := s.IsEnabledForUser(ctx, "new_router", "acme", "user-42")
	for i := 0; i < 10; i++ {
		require.Equal(t, first, s.IsEnabledForUser(ctx, "new_router", "acme", "user-42"))
	}
}

func TestSetPercentage_RejectsOutOfRange(t *testing.T) {
	s, _ := newTestStore(t)
	require.Error(t, s.SetPercentage(context.Background(), "f", "acme", 101))
	require.Error(t, s.SetPercentage(context.Background(), "f", "acme", -1))
}

func TestClearAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "acme", true))
	require.NoError(t, s.Set(ctx, "b", DefaultTenant, false))
	require.NoError(t, s.SetPercentage(ctx, "a", "acme", 25))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, "true", all["feature_flag:a:acme"])
	require.Equal(t, "false", all["feature_flag:b:default"])
	require.Equal(t, "25", all["feature_flag:a:acme:percentage"])

	require.NoError(t, s.Clear(ctx, "a", "acme"))
	s.InvalidateAll()
	require.False(t, s.IsEnabled(ctx, "a", "acme"))
}

func TestListener_InvalidatesCacheOnUpdate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	writer := NewStore(rdb)
	reader := NewStore(rdb)
	ctx := context.Background()

	require.NoError(t, writer.Set(ctx, "hitl", "acme", false))
	require.False(t, reader.IsEnabled(ctx, "hitl", "acme")) // now cached

	listener := NewListener(rdb, reader)
	var mu sync.Mutex
	var seen []string
	listener.OnUpdate(func(flag, tenantID string) {
		mu.Lock()
		seen = append(seen, flag+"/"+tenantID)
		mu.Unlock()
	})
	listener.Start(ctx)
	t.Cleanup(listener.Stop)

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, UpdatesChannel).Result()
		return err == nil && n[UpdatesChannel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Set(ctx, "hitl", "acme", true))

	require.Eventually(t, func() bool {
		return reader.IsEnabled(ctx, "hitl", "acme")
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, "hitl/acme")
}

func TestListener_RecoversFromPanickingHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	writer := NewStore(rdb)
	reader := NewStore(rdb)
	ctx := context.Background()

	listener := NewListener(rdb, reader)
	var mu sync.Mutex
	calls := 0
	listener.OnUpdate(func(flag, tenantID string) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("handler exploded")
		}
	})
	listener.Start(ctx)
	t.Cleanup(listener.Stop)

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, UpdatesChannel).Result()
		return err == nil && n[UpdatesChannel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Set(ctx, "hitl", "acme", true))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The loop resubscribes after the panic; a later update still lands.
	require.Eventually(t, func() bool {
		require.NoError(t, writer.Set(ctx, "hitl", "acme", false))
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 5*time.Second, 100*time.Millisecond)
}
