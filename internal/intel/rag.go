package intel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// vectorDim is the dimensionality of the lexical field embedding.
const vectorDim = 256

// MappingHit is one vector-memory match for a source field.
type MappingHit struct {
	Score           float64 `json:"score"`
	CanonicalEntity string  `json:"canonical_entity"`
	CanonicalField  string  `json:"canonical_field"`
	HumanApproved   bool    `json:"human_approved"`
	UsageCount      int64   `json:"usage_count"`
}

// MappingMemory is the vector store of previously resolved mappings.
type MappingMemory interface {
	Lookup(ctx domain.Context, tenantID, connector, sourceField string) (*MappingHit, error)
	Record(ctx domain.Context, tenantID string, p domain.MappingProposal, humanApproved bool) error
}

// QdrantMemory stores mappings as points in a Qdrant collection, one vector
// per (connector, source field), filtered by tenant on search.
type QdrantMemory struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
}

// NewQdrantMemory builds the client. Call EnsureCollection once at startup.
func NewQdrantMemory(baseURL, apiKey, collection string) *QdrantMemory {
	return &QdrantMemory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		},
	}
}

// EnsureCollection creates the collection if it does not exist.
func (q *QdrantMemory) EnsureCollection(ctx domain.Context) error {
	body := map[string]any{
		"vectors": map[string]any{"size": vectorDim, "distance": "Cosine"},
	}
	status, _, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection, body)
	if err != nil {
		return err
	}
	// 409 means it already exists.
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("op=intel.EnsureCollection status=%d: %w", status, domain.ErrUnavailable)
	}
	return nil
}

// Lookup searches for the closest stored mapping within the tenant.
func (q *QdrantMemory) Lookup(ctx domain.Context, tenantID, connector, sourceField string) (*MappingHit, error) {
	body := map[string]any{
		"vector":       embedField(connector, sourceField),
		"limit":        1,
		"with_payload": true,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "tenant_id", "match": map[string]any{"value": tenantID}},
			},
		},
	}
	status, raw, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("op=intel.Lookup status=%d: %w", status, domain.ErrUnavailable)
	}

	var parsed struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("op=intel.Lookup decode: %w", err)
	}
	if len(parsed.Result) == 0 {
		return nil, nil
	}
	top := parsed.Result[0]
	hit := &MappingHit{Score: top.Score}
	if v, ok := top.Payload["canonical_entity"].(string); ok {
		hit.CanonicalEntity = v
	}
	if v, ok := top.Payload["canonical_field"].(string); ok {
		hit.CanonicalField = v
	}
	if v, ok := top.Payload["human_approved"].(bool); ok {
		hit.HumanApproved = v
	}
	if v, ok := top.Payload["usage_count"].(float64); ok {
		hit.UsageCount = int64(v)
	}
	return hit, nil
}

// Record upserts one resolved mapping so future drifts resolve from memory.
func (q *QdrantMemory) Record(ctx domain.Context, tenantID string, p domain.MappingProposal, humanApproved bool) error {
	body := map[string]any{
		"points": []map[string]any{
			{
				"id":     uuid.NewString(),
				"vector": embedField(p.Connector, p.SourceField),
				"payload": map[string]any{
					"tenant_id":        tenantID,
					"connector":        p.Connector,
					"source_table":     p.SourceTable,
					"source_field":     p.SourceField,
					"canonical_entity": p.CanonicalEntity,
					"canonical_field":  p.CanonicalField,
					"confidence":       p.Confidence,
					"human_approved":   humanApproved,
					"usage_count":      1,
				},
			},
		},
	}
	status, _, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("op=intel.Record status=%d: %w", status, domain.ErrUnavailable)
	}
	return nil
}

func (q *QdrantMemory) do(ctx domain.Context, method, path string, body any) (int, []byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("op=intel.qdrant marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, fmt.Errorf("op=intel.qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("op=intel.qdrant do: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, raw, nil
}

// embedField produces a deterministic lexical embedding of a field name:
// character trigrams of the normalized name hashed into a fixed-size
// L2-normalized vector. Close names (total_amt vs total_amount) land close
// in cosine space without an external embedding service.
func embedField(connector, field string) []float32 {
	vec := make([]float32, vectorDim)
	s := strings.ToLower(connector + ":" + normalizeField(field))
	padded := "  " + s + "  "
	for i := 0; i+3 <= len(padded); i++ {
		h := fnv32(padded[i : i+3])
		vec[h%vectorDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// normalizeField strips separators so cust_email and custEmail embed alike.
func normalizeField(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			continue
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
