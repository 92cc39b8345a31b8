// Package stream publishes canonical ingestion events onto per-tenant Redis
// streams and tracks processed batch ids for duplicate suppression.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

const (
	// SchemaVersion stamps every published envelope.
	SchemaVersion = "v1.0"

	// DefaultBatchSize caps records per stream message.
	DefaultBatchSize = 200

	// DefaultMaxSamples caps sample rows carried per table.
	DefaultMaxSamples = 8
)

// Lineage records where a batch came from.
type Lineage struct {
	Source             string `json:"source"`
	ConnectorConfigID  string `json:"connector_config_id"`
	IngestionTimestamp string `json:"ingestion_timestamp"`
	SchemaFingerprint  string `json:"schema_fingerprint"`
}

// TablePayload is one entity's slice of a batch.
type TablePayload struct {
	Path              string            `json:"path"`
	Schema            map[string]string `json:"schema"`
	Samples           []map[string]any  `json:"samples"`
	RecordCount       int               `json:"record_count"`
	SchemaFingerprint string            `json:"schema_fingerprint"`
}

// Envelope is the canonical event written to the stream.
type Envelope struct {
	SchemaVersion string                  `json:"schema_version"`
	BatchID       string                  `json:"batch_id"`
	ConnectorType string                  `json:"connector_type"`
	TenantID      string                  `json:"tenant_id"`
	RecordCount   int                     `json:"record_count"`
	Lineage       Lineage                 `json:"lineage"`
	Tables        map[string]TablePayload `json:"tables"`
}

// TableData is a producer's raw input for one entity type.
type TableData struct {
	Path    string
	Schema  map[string]string
	Records []map[string]any
}

// Batch is a producer's raw input before chunking.
type Batch struct {
	TenantID          string
	ConnectorType     string
	Source            string
	ConnectorConfigID string
	Tables            map[string]TableData
}

// Publisher chunks batches into envelopes and XADDs them.
type Publisher struct {
	rdb            redis.UniversalClient
	idempotencyTTL time.Duration
	batchSize      int
	maxSamples     int

	now func() time.Time
}

// Option tunes a Publisher.
type Option func(*Publisher)

// WithBatchSize overrides the records-per-message cap.
func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithMaxSamples overrides the samples-per-table cap.
func WithMaxSamples(n int) Option {
	return func(p *Publisher) {
		if n >= 0 {
			p.maxSamples = n
		}
	}
}

// NewPublisher wraps a Redis client. idempotencyTTL bounds the duplicate
// suppression window; zero means the 24h default.
func NewPublisher(rdb redis.UniversalClient, idempotencyTTL time.Duration, opts ...Option) *Publisher {
	p := &Publisher{
		rdb:            rdb,
		idempotencyTTL: idempotencyTTL,
		batchSize:      DefaultBatchSize,
		maxSamples:     DefaultMaxSamples,
		now:            time.Now,
	}
	if p.idempotencyTTL <= 0 {
		p.idempotencyTTL = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StreamKey returns the per-tenant, per-connector stream name.
func StreamKey(tenantID, connectorType string) string {
	return fmt.Sprintf("aam:dcl:%s:%s", tenantID, connectorType)
}

func processedKey(tenantID string) string {
	return "dcl:processed_batches:" + tenantID
}

// Fingerprint hashes a schema into its stable short form: the first 16 hex
// characters of sha256 over the sorted field:type pairs.
func Fingerprint(schema map[string]string) string {
	pairs := make([]string, 0, len(schema))
	for field, typ := range schema {
		pairs = append(pairs, field+":"+typ)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// Publish chunks the batch and writes one envelope per chunk. Returns the
// batch ids written, in order.
func (p *Publisher) Publish(ctx domain.Context, batch Batch) ([]string, error) {
	if batch.TenantID == "" || batch.ConnectorType == "" {
		return nil, fmt.Errorf("batch needs tenant_id and connector_type: %w", domain.ErrInvalidArgument)
	}

	key := StreamKey(batch.TenantID, batch.ConnectorType)
	epochMS := p.now().UTC().UnixMilli()
	ingestedAt := p.now().UTC().Format(time.RFC3339)

	var batchIDs []string
	chunkIdx := 0
	for _, entity := range sortedEntities(batch.Tables) {
		table := batch.Tables[entity]
		fingerprint := Fingerprint(table.Schema)
		for _, chunk := range chunkRecords(table.Records, p.batchSize) {
			batchID := fmt.Sprintf("%s_%d_%d", batch.ConnectorType, epochMS, chunkIdx)
			chunkIdx++

			env := Envelope{
				SchemaVersion: SchemaVersion,
				BatchID:       batchID,
				ConnectorType: batch.ConnectorType,
				TenantID:      batch.TenantID,
				RecordCount:   len(chunk),
				Lineage: Lineage{
					Source:             batch.Source,
					ConnectorConfigID:  batch.ConnectorConfigID,
					IngestionTimestamp: ingestedAt,
					SchemaFingerprint:  fingerprint,
				},
				Tables: map[string]TablePayload{
					entity: {
						Path:              table.Path,
						Schema:            table.Schema,
						Samples:           sampleRecords(chunk, p.maxSamples),
						RecordCount:       len(chunk),
						SchemaFingerprint: fingerprint,
					},
				},
			}
			data, err := json.Marshal(env)
			if err != nil {
				return batchIDs, fmt.Errorf("op=stream.Publish batch=%s: %w", batchID, err)
			}
			if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				Values: map[string]any{
					"payload":        data,
					"batch_id":       batchID,
					"schema_version": SchemaVersion,
				},
			}).Err(); err != nil {
				observability.StreamBatchesTotal.WithLabelValues(batch.ConnectorType, "error").Inc()
				return batchIDs, fmt.Errorf("op=stream.Publish batch=%s: %w", batchID, err)
			}
			observability.StreamBatchesTotal.WithLabelValues(batch.ConnectorType, "published").Inc()
			batchIDs = append(batchIDs, batchID)
		}
	}

	slog.Info("canonical batch published",
		slog.String("tenant_id", batch.TenantID),
		slog.String("connector", batch.ConnectorType),
		slog.Int("messages", len(batchIDs)))
	return batchIDs, nil
}

// FirstDelivery records a batch id in the tenant's processed set and reports
// whether this is its first arrival. Consumers skip work when it returns
// false. The set expires after the idempotency window.
func (p *Publisher) FirstDelivery(ctx domain.Context, tenantID, batchID string) (bool, error) {
	key := processedKey(tenantID)
	added, err := p.rdb.SAdd(ctx, key, batchID).Result()
	if err != nil {
		return false, fmt.Errorf("op=stream.FirstDelivery batch=%s: %w", batchID, err)
	}
	// Refresh the window on every touch; precise per-member expiry is not
	// worth a sorted set here.
	if err := p.rdb.Expire(ctx, key, p.idempotencyTTL).Err(); err != nil {
		slog.Warn("processed-batch expire failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
	if added == 0 {
		observability.StreamBatchesTotal.WithLabelValues("consumer", "duplicate").Inc()
	}
	return added == 1, nil
}

func chunkRecords(records []map[string]any, size int) [][]map[string]any {
	if len(records) == 0 {
		// A schema-only batch still announces drift, so it gets one
		// empty chunk.
		return [][]map[string]any{nil}
	}
	var chunks [][]map[string]any
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

func sampleRecords(records []map[string]any, max int) []map[string]any {
	if len(records) <= max {
		return records
	}
	return records[:max]
}

func sortedEntities(tables map[string]TableData) []string {
	out := make([]string, 0, len(tables))
	for entity := range tables {
		out = append(out, entity)
	}
	sort.Strings(out)
	return out
}
