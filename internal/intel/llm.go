package intel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// ProposalQuery describes one unmapped source field for the proposer.
type ProposalQuery struct {
	TenantID        string
	Connector       string
	SourceTable     string
	SourceField     string
	FieldType       string
	CanonicalEntity string
	CanonicalFields []string
	Samples         []any
}

// Draft is a proposer's raw answer before confidence scoring.
type Draft struct {
	CanonicalEntity string   `json:"canonical_entity"`
	CanonicalField  string   `json:"canonical_field"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	Alternatives    []string `json:"alternatives"`
}

// MappingProposer turns one drifted field into a mapping draft.
type MappingProposer interface {
	ProposeMapping(ctx domain.Context, q ProposalQuery) (Draft, error)
}

const mappingSystemPrompt = `You map source schema fields to canonical entity fields.
Respond with a single JSON object and nothing else:
{"canonical_entity":"...","canonical_field":"...","confidence":0.0,"reasoning":"...","alternatives":["..."]}
confidence is your own estimate in [0,1]. canonical_field must be one of the candidates, or "" if none fits.`

// LLMClient calls an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewLLMClient builds the client against an OpenAI-compatible base URL.
func NewLLMClient(baseURL, apiKey, model string) *LLMClient {
	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ProposeMapping asks the model for a canonical mapping of one field.
func (c *LLMClient) ProposeMapping(ctx domain.Context, q ProposalQuery) (Draft, error) {
	user := map[string]any{
		"connector":        q.Connector,
		"source_table":     q.SourceTable,
		"source_field":     q.SourceField,
		"field_type":       q.FieldType,
		"canonical_entity": q.CanonicalEntity,
		"candidates":       q.CanonicalFields,
		"sample_values":    truncateSamples(q.Samples, 5),
	}
	userJSON, err := json.Marshal(user)
	if err != nil {
		return Draft{}, fmt.Errorf("op=intel.ProposeMapping marshal: %w", err)
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: mappingSystemPrompt},
			{Role: "user", Content: string(userJSON)},
		},
		Temperature:    0.1,
		ResponseFormat: map[string]any{"type": "json_object"},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return Draft{}, fmt.Errorf("op=intel.ProposeMapping marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return Draft{}, fmt.Errorf("op=intel.ProposeMapping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Draft{}, fmt.Errorf("op=intel.ProposeMapping do: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return Draft{}, fmt.Errorf("llm status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Draft{}, fmt.Errorf("op=intel.ProposeMapping decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Draft{}, fmt.Errorf("llm returned no choices: %w", domain.ErrInternal)
	}

	content := extractJSON(parsed.Choices[0].Message.Content)
	var draft Draft
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return Draft{}, fmt.Errorf("op=intel.ProposeMapping parse answer: %w", err)
	}
	draft.Confidence = clamp01(draft.Confidence)
	return draft, nil
}

// extractJSON tolerates models that wrap the object in code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func truncateSamples(samples []any, n int) []any {
	if len(samples) <= n {
		return samples
	}
	return samples[:n]
}
