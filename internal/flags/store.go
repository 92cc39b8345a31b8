// Package flags implements tenant-scoped feature flags on Redis with a
// local cache invalidated over pub/sub.
package flags

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

// UpdatesChannel carries flag invalidation events.
const UpdatesChannel = "dcl:state:updates"

// DefaultTenant is the fallback scope consulted when a tenant has no
// explicit value.
const DefaultTenant = "default"

const cacheTTL = 30 * time.Second

type cachedValue struct {
	value    string
	loadedAt time.Time
}

// Store evaluates feature flags. Resolution order: environment override,
// tenant value, default-tenant value, percentage rollout, off.
type Store struct {
	rdb redis.UniversalClient

	mu    sync.RWMutex
	cache map[string]cachedValue
}

// NewStore wraps a Redis client.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, cache: make(map[string]cachedValue)}
}

func flagKey(flag, tenant string) string {
	return fmt.Sprintf("feature_flag:%s:%s", flag, tenant)
}

func percentageKey(flag, tenant string) string {
	return flagKey(flag, tenant) + ":percentage"
}

func envKey(flag string) string {
	return "FEATURE_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// IsEnabled evaluates a flag for a tenant. The tenant id doubles as the
// rollout bucket key.
func (s *Store) IsEnabled(ctx domain.Context, flag, tenantID string) bool {
	return s.IsEnabledForUser(ctx, flag, tenantID, tenantID)
}

// IsEnabledForUser evaluates a flag with an explicit rollout bucket key, so
// percentage rollouts are stable per user rather than per tenant.
func (s *Store) IsEnabledForUser(ctx domain.Context, flag, tenantID, bucketKey string) bool {
	// Environment overrides beat everything; they exist for incident
	// response when Redis itself is suspect.
	if raw, ok := os.LookupEnv(envKey(flag)); ok {
		enabled := raw == "true" || raw == "1"
		observability.FlagLookupsTotal.WithLabelValues("env_override").Inc()
		return enabled
	}

	if v, ok := s.lookup(ctx, flagKey(flag, tenantID)); ok {
		observability.FlagLookupsTotal.WithLabelValues("tenant").Inc()
		return v == "true"
	}
	if v, ok := s.lookup(ctx, flagKey(flag, DefaultTenant)); ok {
		observability.FlagLookupsTotal.WithLabelValues("default").Inc()
		return v == "true"
	}

	if pct, ok := s.percentage(ctx, flag, tenantID); ok {
		enabled := bucket(flag, bucketKey) < pct
		observability.FlagLookupsTotal.WithLabelValues("percentage").Inc()
		return enabled
	}

	observability.FlagLookupsTotal.WithLabelValues("unset").Inc()
	return false
}

// Set writes a tenant value and broadcasts the invalidation.
func (s *Store) Set(ctx domain.Context, flag, tenantID string, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := s.rdb.Set(ctx, flagKey(flag, tenantID), value, 0).Err(); err != nil {
		return fmt.Errorf("op=flags.Set flag=%s: %w", flag, err)
	}
	s.Invalidate(flag)
	s.publishUpdate(ctx, flag, tenantID)
	return nil
}

// SetPercentage writes a rollout percentage (0-100) for the tenant scope.
func (s *Store) SetPercentage(ctx domain.Context, flag, tenantID string, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("percentage %d out of range: %w", pct, domain.ErrInvalidArgument)
	}
	if err := s.rdb.Set(ctx, percentageKey(flag, tenantID), strconv.Itoa(pct), 0).Err(); err != nil {
		return fmt.Errorf("op=flags.SetPercentage flag=%s: %w", flag, err)
	}
	s.Invalidate(flag)
	s.publishUpdate(ctx, flag, tenantID)
	return nil
}

// Clear removes the tenant's value and percentage for a flag.
func (s *Store) Clear(ctx domain.Context, flag, tenantID string) error {
	if err := s.rdb.Del(ctx, flagKey(flag, tenantID), percentageKey(flag, tenantID)).Err(); err != nil {
		return fmt.Errorf("op=flags.Clear flag=%s: %w", flag, err)
	}
	s.Invalidate(flag)
	s.publishUpdate(ctx, flag, tenantID)
	return nil
}

// List returns every stored flag key and raw value.
func (s *Store) List(ctx domain.Context) (map[string]string, error) {
	out := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "feature_flag:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("op=flags.List: %w", err)
		}
		for _, key := range keys {
			v, gerr := s.rdb.Get(ctx, key).Result()
			if gerr != nil {
				continue
			}
			out[key] = v
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Invalidate drops every cached value for a flag.
func (s *Store) Invalidate(flag string) {
	prefix := "feature_flag:" + flag + ":"
	s.mu.Lock()
	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}

// InvalidateAll empties the cache, used when the update stream reconnects
// and events may have been missed.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]cachedValue)
	s.mu.Unlock()
}

// lookup reads through the cache. Redis errors evaluate as unset so flag
// checks never fail callers.
func (s *Store) lookup(ctx domain.Context, key string) (string, bool) {
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(cached.loadedAt) < cacheTTL {
		if cached.value == "" {
			return "", false
		}
		return cached.value, true
	}

	v, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		s.store(key, "")
		return "", false
	case err != nil:
		slog.Warn("flag lookup failed", slog.String("key", key), slog.Any("error", err))
		return "", false
	default:
		s.store(key, v)
		return v, true
	}
}

func (s *Store) percentage(ctx domain.Context, flag, tenantID string) (int, bool) {
	for _, scope := range []string{tenantID, DefaultTenant} {
		if v, ok := s.lookup(ctx, percentageKey(flag, scope)); ok {
			pct, err := strconv.Atoi(v)
			if err == nil {
				return pct, true
			}
		}
	}
	return 0, false
}

func (s *Store) store(key, value string) {
	s.mu.Lock()
	s.cache[key] = cachedValue{value: value, loadedAt: time.Now()}
	s.mu.Unlock()
}

func (s *Store) publishUpdate(ctx domain.Context, flag, tenantID string) {
	payload, err := json.Marshal(map[string]string{
		"type":      "flag_updated",
		"flag":      flag,
		"tenant_id": tenantID,
	})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, UpdatesChannel, payload).Err(); err != nil {
		slog.Warn("flag update publish failed", slog.String("flag", flag), slog.Any("error", err))
	}
}

// bucket hashes (flag, key) into [0,100) for percentage rollouts. The flag
// is part of the hash so one user is not stuck in the same bucket for
// every flag.
func bucket(flag, key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flag))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % 100)
}
