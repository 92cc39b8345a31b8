// Package fabric implements the indirection layer every outbound action
// must pass through: per-tenant plane registry and the action router that
// turns logical actions into plane-specific execution envelopes.
package fabric

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// entityTypes maps each canonical system to its primary entity noun used in
// route paths and recipe names.
var entityTypes = map[domain.TargetSystem]string{
	domain.SystemCRM:       "customer",
	domain.SystemERP:       "order",
	domain.SystemHRIS:      "employee",
	domain.SystemFinance:   "invoice",
	domain.SystemInventory: "item",
	domain.SystemTicketing: "ticket",
	domain.SystemAnalytics: "event",
	domain.SystemWarehouse: "record",
	domain.SystemMarketing: "campaign",
	domain.SystemSupport:   "case",
	domain.SystemCustom:    "entity",
}

// httpMethodFor is the fixed action-to-method table shared by the direct
// and gateway presets.
func httpMethodFor(action domain.ActionType) string {
	switch action {
	case domain.ActionCreate:
		return "POST"
	case domain.ActionRead, domain.ActionQuery:
		return "GET"
	case domain.ActionUpdate:
		return "PATCH"
	case domain.ActionDelete:
		return "DELETE"
	default: // execute, notify, sync, ingest
		return "POST"
	}
}

func warehouseOperationFor(action domain.ActionType) string {
	if action == domain.ActionUpdate || action == domain.ActionSync {
		return "UPSERT"
	}
	return "INSERT"
}

// buildRoutes populates the complete routing table for one preset, covering
// every canonical system and action type. Direct endpoints exist only under
// the scrappy preset.
func buildRoutes(preset domain.FabricPreset) map[domain.RouteKey]domain.Route {
	routes := make(map[domain.RouteKey]domain.Route, len(domain.TargetSystems())*len(domain.ActionTypes()))
	for _, system := range domain.TargetSystems() {
		entity := entityTypes[system]
		for _, action := range domain.ActionTypes() {
			key := domain.RouteKey{System: system, Action: action}
			r := domain.Route{TimeoutSeconds: 30, RetryCount: 2}
			switch preset {
			case domain.PresetScrappy:
				r.DirectEndpoint = fmt.Sprintf("https://%s.api.example.com/v1/%ss/{id}", system, entity)
				r.DirectMethod = httpMethodFor(action)
			case domain.PresetAPIGateway:
				r.GatewayUpstream = fmt.Sprintf("%s-upstream", system)
				r.GatewayPath = fmt.Sprintf("/api/%s/%s/{id}", system, entity)
				r.GatewayRouteID = fmt.Sprintf("route_%s_%s", system, action)
			case domain.PresetIPaaS:
				r.IPaaSRecipeID = fmt.Sprintf("recipe_%s_%s_%s", system, action, entity)
				r.IPaaSRecipeName = fmt.Sprintf("%s %s %s", strings.ToUpper(string(system)), action, entity)
				r.IPaaSWebhookURL = fmt.Sprintf("/webhooks/workato/%s/%s/%s", system, entity, action)
			case domain.PresetEventBus:
				r.KafkaTopic = fmt.Sprintf("aam.fabric.%s", system)
				r.KafkaPartitionKey = "entity_id"
			case domain.PresetDataWarehouse:
				r.WarehouseSchema = "staging"
				r.WarehouseTable = fmt.Sprintf("%s_%ss", system, entity)
				r.WarehouseOperation = warehouseOperationFor(action)
			}
			routes[key] = r
		}
	}
	return routes
}

// Registry holds, per tenant, one plane per preset and the single active
// preset. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenantPlanes
}

type tenantPlanes struct {
	planes map[domain.FabricPreset]*domain.FabricPlane
	active domain.FabricPreset
}

// NewRegistry builds an empty plane registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*tenantPlanes)}
}

// EnsureTenant builds all five planes for a tenant (idempotent) and returns
// the active plane. A new tenant starts on the given preset.
func (r *Registry) EnsureTenant(tenantID string, preset domain.FabricPreset) (*domain.FabricPlane, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("op=fabric.EnsureTenant: %w: tenant id required", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tp, ok := r.tenants[tenantID]
	if !ok {
		tp = &tenantPlanes{planes: make(map[domain.FabricPreset]*domain.FabricPlane, 5)}
		for _, p := range domain.Presets() {
			tp.planes[p] = &domain.FabricPlane{
				Preset:         p,
				PrimaryPlaneID: fmt.Sprintf("plane-%s-%s", p, uuid.NewString()[:8]),
				TenantID:       tenantID,
				Routes:         buildRoutes(p),
				ProviderConfig: map[string]string{},
				HealthStatus:   domain.HealthHealthy,
			}
		}
		r.tenants[tenantID] = tp
	}
	if _, ok := tp.planes[preset]; !ok {
		return nil, fmt.Errorf("op=fabric.EnsureTenant preset=%s: %w", preset, domain.ErrInvalidArgument)
	}
	if tp.active == "" {
		tp.active = preset
		tp.planes[preset].IsActive = true
	}
	return tp.planes[tp.active], nil
}

// SetActivePreset switches the tenant's single active plane.
func (r *Registry) SetActivePreset(tenantID string, preset domain.FabricPreset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tp, ok := r.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, domain.ErrNotFound)
	}
	plane, ok := tp.planes[preset]
	if !ok {
		return fmt.Errorf("op=fabric.SetActivePreset preset=%s: %w", preset, domain.ErrInvalidArgument)
	}
	if tp.active != "" {
		tp.planes[tp.active].IsActive = false
	}
	tp.active = preset
	plane.IsActive = true
	return nil
}

// ActivePlane returns the tenant's single active plane.
func (r *Registry) ActivePlane(tenantID string) (*domain.FabricPlane, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tp, ok := r.tenants[tenantID]
	if !ok || tp.active == "" {
		return nil, fmt.Errorf("tenant %s has no active plane: %w", tenantID, domain.ErrNotFound)
	}
	return tp.planes[tp.active], nil
}

// ResolveRoute looks up the active plane's route for (system, action).
// Resolving a direct endpoint under any preset but scrappy is an invariant
// violation.
func (r *Registry) ResolveRoute(tenantID string, key domain.RouteKey) (domain.Route, *domain.FabricPlane, error) {
	plane, err := r.ActivePlane(tenantID)
	if err != nil {
		return domain.Route{}, nil, err
	}
	r.mu.RLock()
	route, ok := plane.Routes[key]
	r.mu.RUnlock()
	if !ok {
		return domain.Route{}, plane, fmt.Errorf("no fabric route for (%s, %s): %w", key.System, key.Action, domain.ErrNotFound)
	}
	if route.DirectEndpoint != "" && plane.Preset != domain.PresetScrappy {
		return domain.Route{}, plane, fmt.Errorf("direct endpoint resolved under preset %s: %w", plane.Preset, domain.ErrInvariant)
	}
	return route, plane, nil
}

// SetRoute overrides one route on a tenant's plane. Used by route-table
// overrides and tests.
func (r *Registry) SetRoute(tenantID string, preset domain.FabricPreset, key domain.RouteKey, route domain.Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tp, ok := r.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, domain.ErrNotFound)
	}
	plane, ok := tp.planes[preset]
	if !ok {
		return fmt.Errorf("preset %s: %w", preset, domain.ErrInvalidArgument)
	}
	if route.DirectEndpoint != "" && preset != domain.PresetScrappy {
		return fmt.Errorf("direct endpoint only allowed under scrappy: %w", domain.ErrInvariant)
	}
	plane.Routes[key] = route
	return nil
}

// SetProviderConfig sets one provider config value on a tenant's plane,
// e.g. the iPaaS webhook base URL or gateway address.
func (r *Registry) SetProviderConfig(tenantID string, preset domain.FabricPreset, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tp, ok := r.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, domain.ErrNotFound)
	}
	plane, ok := tp.planes[preset]
	if !ok {
		return fmt.Errorf("preset %s: %w", preset, domain.ErrInvalidArgument)
	}
	plane.ProviderConfig[key] = value
	return nil
}

// routeOverrideFile is the YAML shape for per-tenant route overrides.
type routeOverrideFile struct {
	Tenants map[string]struct {
		Preset string `yaml:"preset"`
		Routes []struct {
			System string       `yaml:"system"`
			Action string       `yaml:"action"`
			Route  domain.Route `yaml:"route"`
		} `yaml:"routes"`
		ProviderConfig map[string]string `yaml:"provider_config"`
	} `yaml:"tenants"`
}

// LoadOverrides applies a YAML route-override file on top of the default
// tables.
func (r *Registry) LoadOverrides(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=fabric.LoadOverrides: %w", err)
	}
	var file routeOverrideFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("op=fabric.LoadOverrides parse: %w", err)
	}
	for tenantID, spec := range file.Tenants {
		preset := domain.FabricPreset(spec.Preset)
		if _, err := r.EnsureTenant(tenantID, preset); err != nil {
			return err
		}
		for _, ov := range spec.Routes {
			key := domain.RouteKey{System: domain.TargetSystem(ov.System), Action: domain.ActionType(ov.Action)}
			if err := r.SetRoute(tenantID, preset, key, ov.Route); err != nil {
				return err
			}
		}
		for k, v := range spec.ProviderConfig {
			if err := r.SetProviderConfig(tenantID, preset, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}
