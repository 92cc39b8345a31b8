package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.AppEnv)
	require.Equal(t, 8080, cfg.Port)
	require.Empty(t, cfg.RedisURL)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	require.Equal(t, 0.90, cfg.RAGShortCircuit)
	require.Equal(t, 1, cfg.MinWorkers)
	require.Equal(t, 8, cfg.MaxWorkers)
	require.Equal(t, "redact", cfg.PIIPolicy)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AAM_IDEMPOTENCY_TTL", "1h")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MAX_WORKERS", "32")
	t.Setenv("SCALE_COOLDOWN_DOWN", "5m")
	t.Setenv("PII_POLICY", "block")

	cfg, err := Load()
	require.NoError(t, err)

	require.True(t, cfg.IsProd())
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 32, cfg.MaxWorkers)
	require.Equal(t, 5*time.Minute, cfg.ScaleCooldownDown)
	require.Equal(t, "block", cfg.PIIPolicy)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}
