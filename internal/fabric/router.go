package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
	"github.com/aamlabs/agent-fabric/internal/resilience"
)

// EventPublisher abstracts the event-bus plane's broker.
type EventPublisher interface {
	Publish(ctx domain.Context, topic, key string, value []byte) error
}

// StagingWriter abstracts the warehouse plane's staging-table sink.
type StagingWriter interface {
	Write(ctx domain.Context, schema, table, operation string, row map[string]any) error
}

const actionLogSize = 1000

// Router is the single choke point for outbound actions. It resolves the
// tenant's active plane, dispatches per preset through the resilience stack
// and keeps a bounded in-memory action log.
type Router struct {
	registry *Registry
	exec     *resilience.Executor
	client   *http.Client
	bus      EventPublisher
	staging  StagingWriter

	mu       sync.Mutex
	actions  map[string]*domain.RoutedAction
	actionID []string
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.client = c }
}

// WithEventPublisher wires the event-bus plane sink.
func WithEventPublisher(p EventPublisher) RouterOption {
	return func(r *Router) { r.bus = p }
}

// WithStagingWriter wires the data-warehouse plane sink.
func WithStagingWriter(w StagingWriter) RouterOption {
	return func(r *Router) { r.staging = w }
}

// NewRouter builds a router over the registry and resilience executor.
func NewRouter(registry *Registry, exec *resilience.Executor, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		exec:     exec,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		actions: make(map[string]*domain.RoutedAction),
	}
	for _, apply := range opts {
		apply(r)
	}
	return r
}

// FabricContext reports the tenant's active plane id and preset, used by
// delegation audits before any remote execution.
func (r *Router) FabricContext(tenantID string) (string, domain.FabricPreset, bool) {
	plane, err := r.registry.ActivePlane(tenantID)
	if err != nil {
		return "", "", false
	}
	return plane.PrimaryPlaneID, plane.Preset, true
}

// Route runs one logical action through the tenant's active plane. The
// returned RoutedAction always carries a terminal status; routing failures
// are reported on the action, not only as an error.
func (r *Router) Route(ctx domain.Context, tenantID string, payload domain.ActionPayload, agentID, correlationID string) (*domain.RoutedAction, error) {
	action := &domain.RoutedAction{
		ID:            "act-" + uuid.NewString()[:12],
		Payload:       payload,
		Status:        domain.RoutedPending,
		AgentID:       agentID,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		StartedAt:     time.Now().UTC(),
	}
	r.record(action)
	start := time.Now()

	key := domain.RouteKey{System: payload.TargetSystem, Action: payload.ActionType}
	route, plane, err := r.registry.ResolveRoute(tenantID, key)
	if err != nil {
		return r.finish(action, "", nil, err, start)
	}
	action.Status = domain.RoutedRouting
	action.Route = &route
	action.FabricPreset = plane.Preset
	action.PrimaryPlaneID = plane.PrimaryPlaneID

	timeout := time.Duration(route.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	action.Status = domain.RoutedExecuting
	var (
		path   string
		result map[string]any
	)
	switch plane.Preset {
	case domain.PresetScrappy:
		path, result, err = r.dispatchDirect(rctx, action, route)
	case domain.PresetAPIGateway:
		path, result, err = r.dispatchGateway(rctx, action, route, plane)
	case domain.PresetIPaaS:
		path, result, err = r.dispatchIPaaS(rctx, action, route, plane)
	case domain.PresetEventBus:
		path, result, err = r.dispatchEventBus(rctx, action, route)
	case domain.PresetDataWarehouse:
		path, result, err = r.dispatchWarehouse(rctx, action, route)
	default:
		err = fmt.Errorf("preset %s: %w", plane.Preset, domain.ErrInvalidArgument)
	}
	return r.finish(action, path, result, err, start)
}

// GetAction returns one logged routed action.
func (r *Router) GetAction(id string) (*domain.RoutedAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[id]
	if !ok {
		return nil, fmt.Errorf("routed action %s: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// RecentActions returns up to limit most recent routed actions, newest first.
func (r *Router) RecentActions(limit int) []domain.RoutedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.actionID) {
		limit = len(r.actionID)
	}
	out := make([]domain.RoutedAction, 0, limit)
	for i := len(r.actionID) - 1; i >= 0 && len(out) < limit; i-- {
		if a, ok := r.actions[r.actionID[i]]; ok {
			out = append(out, *a)
		}
	}
	return out
}

func (r *Router) record(a *domain.RoutedAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.ID] = a
	r.actionID = append(r.actionID, a.ID)
	if len(r.actionID) > actionLogSize {
		evict := r.actionID[0]
		r.actionID = r.actionID[1:]
		delete(r.actions, evict)
	}
}

// finish stamps the terminal status, emits metrics and returns the action.
func (r *Router) finish(a *domain.RoutedAction, path string, result map[string]any, err error, start time.Time) (*domain.RoutedAction, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	a.CompletedAt = &now
	a.ExecutionPath = path
	a.Result = result
	switch {
	case err == nil:
		a.Status = domain.RoutedCompleted
	case errors.Is(err, domain.ErrTimeout):
		a.Status = domain.RoutedTimeout
		a.Error = err.Error()
	default:
		a.Status = domain.RoutedFailed
		a.Error = err.Error()
	}
	status := a.Status
	preset := a.FabricPreset
	cp := *a
	r.mu.Unlock()

	observability.RoutedActionsTotal.WithLabelValues(string(preset), string(status)).Inc()
	observability.RoutedActionDuration.WithLabelValues(string(preset)).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("routed action failed",
			slog.String("action_id", cp.ID),
			slog.String("tenant_id", cp.TenantID),
			slog.String("preset", string(preset)),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return &cp, err
	}
	slog.Info("routed action completed",
		slog.String("action_id", cp.ID),
		slog.String("tenant_id", cp.TenantID),
		slog.String("preset", string(preset)),
		slog.String("execution_path", path))
	return &cp, nil
}

// substituteID fills the {id} placeholder from the payload's entity id.
func substituteID(path, entityID string) string {
	if entityID == "" {
		// Collection-level call: drop the trailing id segment.
		path = strings.TrimSuffix(path, "/{id}")
		return strings.ReplaceAll(path, "{id}", "")
	}
	return strings.ReplaceAll(path, "{id}", entityID)
}

// dispatchDirect calls the downstream API straight over HTTP. Only the
// scrappy preset may take this path.
func (r *Router) dispatchDirect(ctx domain.Context, a *domain.RoutedAction, route domain.Route) (string, map[string]any, error) {
	if route.DirectEndpoint == "" {
		return "", nil, fmt.Errorf("no direct endpoint for (%s, %s): %w", a.Payload.TargetSystem, a.Payload.ActionType, domain.ErrInvariant)
	}
	url := substituteID(route.DirectEndpoint, a.Payload.EntityID)
	result, err := r.executeHTTP(ctx, a, route.DirectMethod, url, a.Payload.Data, nil)
	if err != nil {
		return "direct_call", nil, err
	}
	return "direct_call", result, nil
}

// dispatchGateway forwards through the tenant's API gateway, which owns
// auth, rate limits and upstream selection.
func (r *Router) dispatchGateway(ctx domain.Context, a *domain.RoutedAction, route domain.Route, plane *domain.FabricPlane) (string, map[string]any, error) {
	base := plane.ProviderConfig["gateway_base_url"]
	if base == "" {
		base = "http://gateway.fabric.internal"
	}
	url := base + substituteID(route.GatewayPath, a.Payload.EntityID)
	headers := map[string]string{
		"X-Gateway-Route-Id": route.GatewayRouteID,
		"X-Upstream":         route.GatewayUpstream,
	}
	method := httpMethodFor(a.Payload.ActionType)
	result, err := r.executeHTTP(ctx, a, method, url, a.Payload.Data, headers)
	if err != nil {
		return "api_gateway", nil, err
	}
	result["gateway_route_id"] = route.GatewayRouteID
	return "api_gateway", result, nil
}

// dispatchIPaaS triggers the mapped recipe through its webhook. The envelope
// carries the recipe identity plus the original payload.
func (r *Router) dispatchIPaaS(ctx domain.Context, a *domain.RoutedAction, route domain.Route, plane *domain.FabricPlane) (string, map[string]any, error) {
	base := plane.ProviderConfig["ipaas_base_url"]
	if base == "" {
		base = "https://apim.workato.example.com"
	}
	envelope := map[string]any{
		"recipe_id":   route.IPaaSRecipeID,
		"recipe_name": route.IPaaSRecipeName,
		"input": map[string]any{
			"entity_id":      a.Payload.EntityID,
			"entity_type":    a.Payload.EntityType,
			"data":           a.Payload.Data,
			"correlation_id": a.CorrelationID,
		},
		"metadata": map[string]any{
			"agent_id":  a.AgentID,
			"tenant_id": a.TenantID,
			"timestamp": a.StartedAt.Format(time.RFC3339Nano),
		},
	}
	result, err := r.executeHTTP(ctx, a, "POST", base+route.IPaaSWebhookURL, envelope, nil)
	if err != nil {
		return "ipaas_recipe", nil, err
	}
	result["recipe_id"] = route.IPaaSRecipeID
	return "ipaas_recipe", result, nil
}

// dispatchEventBus publishes the canonical event envelope; downstream
// consumers own the actual system writes.
func (r *Router) dispatchEventBus(ctx domain.Context, a *domain.RoutedAction, route domain.Route) (string, map[string]any, error) {
	if r.bus == nil {
		return "event_bus_publish", nil, fmt.Errorf("event bus not configured: %w", domain.ErrUnavailable)
	}
	envelope := map[string]any{
		"event_id":    a.ID,
		"event_type":  fmt.Sprintf("%s.%s", a.Payload.TargetSystem, a.Payload.ActionType),
		"entity_id":   a.Payload.EntityID,
		"entity_type": a.Payload.EntityType,
		"data":        a.Payload.Data,
		"metadata": map[string]any{
			"agent_id":       a.AgentID,
			"tenant_id":      a.TenantID,
			"correlation_id": a.CorrelationID,
			"timestamp":      a.StartedAt.Format(time.RFC3339Nano),
		},
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return "event_bus_publish", nil, fmt.Errorf("op=fabric.dispatchEventBus marshal: %w", err)
	}
	partitionKey := a.Payload.EntityID
	if partitionKey == "" {
		partitionKey = a.ID
	}
	_, err = r.exec.Do(ctx, resilience.KindHTTP, func(ctx domain.Context, _ ...any) (any, error) {
		return nil, r.bus.Publish(ctx, route.KafkaTopic, partitionKey, value)
	})
	if err != nil {
		return "event_bus_publish", nil, err
	}
	return "event_bus_publish", map[string]any{
		"topic":         route.KafkaTopic,
		"partition_key": partitionKey,
		"event_type":    envelope["event_type"],
	}, nil
}

// dispatchWarehouse lands the action in a staging table for ELT pickup.
func (r *Router) dispatchWarehouse(ctx domain.Context, a *domain.RoutedAction, route domain.Route) (string, map[string]any, error) {
	if r.staging == nil {
		return "warehouse_staging", nil, fmt.Errorf("warehouse writer not configured: %w", domain.ErrUnavailable)
	}
	row := map[string]any{
		"entity_id":      a.Payload.EntityID,
		"entity_type":    a.Payload.EntityType,
		"action_type":    string(a.Payload.ActionType),
		"agent_id":       a.AgentID,
		"tenant_id":      a.TenantID,
		"correlation_id": a.CorrelationID,
		"payload":        a.Payload.Data,
		"routed_at":      a.StartedAt,
	}
	_, err := r.exec.Do(ctx, resilience.KindDatabase, func(ctx domain.Context, _ ...any) (any, error) {
		return nil, r.staging.Write(ctx, route.WarehouseSchema, route.WarehouseTable, route.WarehouseOperation, row)
	})
	if err != nil {
		return "warehouse_staging", nil, err
	}
	return "warehouse_staging", map[string]any{
		"schema":    route.WarehouseSchema,
		"table":     route.WarehouseTable,
		"operation": route.WarehouseOperation,
	}, nil
}

// executeHTTP performs one outbound HTTP call through the resilience stack
// and returns a normalized result map.
func (r *Router) executeHTTP(ctx domain.Context, a *domain.RoutedAction, method, url string, body any, headers map[string]string) (map[string]any, error) {
	v, err := r.exec.Do(ctx, resilience.KindHTTP, func(ctx domain.Context, _ ...any) (any, error) {
		var reader io.Reader
		if body != nil && method != "GET" && method != "DELETE" {
			b, merr := json.Marshal(body)
			if merr != nil {
				return nil, fmt.Errorf("op=fabric.executeHTTP marshal: %w", merr)
			}
			reader = bytes.NewReader(b)
		}
		req, rerr := http.NewRequestWithContext(ctx, method, url, reader)
		if rerr != nil {
			return nil, fmt.Errorf("op=fabric.executeHTTP request: %w", rerr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-Id", a.TenantID)
		if a.AgentID != "" {
			req.Header.Set("X-Agent-Id", a.AgentID)
		}
		if a.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", a.CorrelationID)
		}
		for k, val := range headers {
			req.Header.Set(k, val)
		}

		resp, derr := r.client.Do(req)
		if derr != nil {
			return nil, fmt.Errorf("op=fabric.executeHTTP do: %w", derr)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream %s returned %d: %w", url, resp.StatusCode, domain.ErrUnavailable)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("upstream %s returned %d: %w", url, resp.StatusCode, domain.ErrInvalidArgument)
		}

		result := map[string]any{"status_code": resp.StatusCode, "endpoint": url}
		var parsed map[string]any
		if json.Unmarshal(raw, &parsed) == nil {
			result["body"] = parsed
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}
