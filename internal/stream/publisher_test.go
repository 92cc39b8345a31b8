package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, opts ...Option) (*Publisher, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewPublisher(rdb, time.Hour, opts...), rdb, mr
}

func TestFingerprint_StableAcrossFieldOrder(t *testing.T) {
	a := Fingerprint(map[string]string{"amount": "number", "currency": "string", "id": "string"})
	b := Fingerprint(map[string]string{"id": "string", "currency": "string", "amount": "number"})
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	c := Fingerprint(map[string]string{"amount": "string", "currency": "string", "id": "string"})
	require.NotEqual(t, a, c)
}

func TestPublish_EnvelopeShape(t *testing.T) {
	p, rdb, _ := newTestPublisher(t)
	ctx := context.Background()

	batch := Batch{
		TenantID:          "acme",
		ConnectorType:     "stripe",
		Source:            "connector-runtime",
		ConnectorConfigID: "cfg-7",
		Tables: map[string]TableData{
			"charges": {
				Path:   "s3://landing/acme/charges",
				Schema: map[string]string{"id": "string", "total_amt": "number"},
				Records: []map[string]any{
					{"id": "ch_1", "total_amt": 12.5},
					{"id": "ch_2", "total_amt": 99.0},
				},
			},
		},
	}

	ids, err := p.Publish(ctx, batch)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Regexp(t, `^stripe_\d+_0$`, ids[0])

	msgs, err := rdb.XRange(ctx, StreamKey("acme", "stripe"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, ids[0], msgs[0].Values["batch_id"])

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &env))
	require.Equal(t, SchemaVersion, env.SchemaVersion)
	require.Equal(t, "acme", env.TenantID)
	require.Equal(t, 2, env.RecordCount)
	require.Equal(t, "cfg-7", env.Lineage.ConnectorConfigID)

	table, ok := env.Tables["charges"]
	require.True(t, ok)
	require.Equal(t, Fingerprint(batch.Tables["charges"].Schema), table.SchemaFingerprint)
	require.Equal(t, table.SchemaFingerprint, env.Lineage.SchemaFingerprint)
	require.Len(t, table.Samples, 2)
}

func TestPublish_ChunksLargeBatches(t *testing.T) {
	p, _, _ := newTestPublisher(t, WithBatchSize(2), WithMaxSamples(1))
	ctx := context.Background()

	records := make([]map[string]any, 5)
	for i := range records {
		records[i] = map[string]any{"id": i}
	}
	ids, err := p.Publish(ctx, Batch{
		TenantID:      "acme",
		ConnectorType: "hubspot",
		Tables: map[string]TableData{
			"contacts": {Schema: map[string]string{"id": "integer"}, Records: records},
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3) // 2 + 2 + 1
	require.Regexp(t, `_2$`, ids[2])
}

func TestPublish_SchemaOnlyBatchStillEmitted(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	ids, err := p.Publish(context.Background(), Batch{
		TenantID:      "acme",
		ConnectorType: "salesforce",
		Tables: map[string]TableData{
			"accounts": {Schema: map[string]string{"id": "string", "region": "string"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestPublish_RejectsMissingTenant(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	_, err := p.Publish(context.Background(), Batch{ConnectorType: "stripe"})
	require.Error(t, err)
}

func TestFirstDelivery_SuppressesDuplicates(t *testing.T) {
	p, _, mr := newTestPublisher(t)
	ctx := context.Background()

	first, err := p.FirstDelivery(ctx, "acme", "stripe_1700000000000_0")
	require.NoError(t, err)
	require.True(t, first)

	again, err := p.FirstDelivery(ctx, "acme", "stripe_1700000000000_0")
	require.NoError(t, err)
	require.False(t, again)

	// Other tenants keep their own window.
	other, err := p.FirstDelivery(ctx, "globex", "stripe_1700000000000_0")
	require.NoError(t, err)
	require.True(t, other)

	// After the window lapses the id is forgotten.
	mr.FastForward(2 * time.Hour)
	later, err := p.FirstDelivery(ctx, "acme", "stripe_1700000000000_0")
	require.NoError(t, err)
	require.True(t, later)
}
