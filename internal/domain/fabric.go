package domain

import "time"

// FabricPreset names a routing topology through which all outbound actions
// for a tenant must pass. The source material also calls the scrappy preset
// "direct"; this codebase uses the single identifier scrappy.
type FabricPreset string

const (
	PresetScrappy       FabricPreset = "scrappy"
	PresetAPIGateway    FabricPreset = "api_gateway"
	PresetIPaaS         FabricPreset = "ipaas"
	PresetEventBus      FabricPreset = "event_bus"
	PresetDataWarehouse FabricPreset = "data_warehouse"
)

// Presets lists all supported fabric presets.
func Presets() []FabricPreset {
	return []FabricPreset{PresetScrappy, PresetAPIGateway, PresetIPaaS, PresetEventBus, PresetDataWarehouse}
}

// TargetSystem names a canonical downstream system class.
type TargetSystem string

const (
	SystemCRM       TargetSystem = "crm"
	SystemERP       TargetSystem = "erp"
	SystemHRIS      TargetSystem = "hris"
	SystemFinance   TargetSystem = "finance"
	SystemInventory TargetSystem = "inventory"
	SystemTicketing TargetSystem = "ticketing"
	SystemAnalytics TargetSystem = "analytics"
	SystemWarehouse TargetSystem = "warehouse"
	SystemMarketing TargetSystem = "marketing"
	SystemSupport   TargetSystem = "support"
	SystemCustom    TargetSystem = "custom"
)

// TargetSystems lists the canonical systems a plane routes to.
func TargetSystems() []TargetSystem {
	return []TargetSystem{
		SystemCRM, SystemERP, SystemHRIS, SystemFinance, SystemInventory,
		SystemTicketing, SystemAnalytics, SystemWarehouse, SystemMarketing,
		SystemSupport, SystemCustom,
	}
}

// ActionType classifies the operation an agent wants to perform.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionRead    ActionType = "read"
	ActionUpdate  ActionType = "update"
	ActionDelete  ActionType = "delete"
	ActionQuery   ActionType = "query"
	ActionExecute ActionType = "execute"
	ActionNotify  ActionType = "notify"
	ActionSync    ActionType = "sync"
	ActionIngest  ActionType = "ingest"
)

// ActionTypes lists every routable action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionQuery,
		ActionExecute, ActionNotify, ActionSync, ActionIngest,
	}
}

// RouteKey addresses one entry in a plane's routing table.
type RouteKey struct {
	System TargetSystem
	Action ActionType
}

// Route carries the preset-specific addressing for one (system, action)
// pair. Only the fields matching the owning plane's preset are populated;
// DirectEndpoint is set only under the scrappy preset.
type Route struct {
	DirectEndpoint string `json:"direct_endpoint,omitempty" yaml:"direct_endpoint,omitempty"`
	DirectMethod   string `json:"direct_method,omitempty" yaml:"direct_method,omitempty"`

	GatewayUpstream string `json:"gateway_upstream,omitempty" yaml:"gateway_upstream,omitempty"`
	GatewayPath     string `json:"gateway_path,omitempty" yaml:"gateway_path,omitempty"`
	GatewayRouteID  string `json:"gateway_route_id,omitempty" yaml:"gateway_route_id,omitempty"`

	IPaaSRecipeID   string `json:"ipaas_recipe_id,omitempty" yaml:"ipaas_recipe_id,omitempty"`
	IPaaSRecipeName string `json:"ipaas_recipe_name,omitempty" yaml:"ipaas_recipe_name,omitempty"`
	IPaaSWebhookURL string `json:"ipaas_webhook_url,omitempty" yaml:"ipaas_webhook_url,omitempty"`

	KafkaTopic        string `json:"kafka_topic,omitempty" yaml:"kafka_topic,omitempty"`
	KafkaPartitionKey string `json:"kafka_partition_key,omitempty" yaml:"kafka_partition_key,omitempty"`

	WarehouseSchema    string `json:"warehouse_schema,omitempty" yaml:"warehouse_schema,omitempty"`
	WarehouseTable     string `json:"warehouse_table,omitempty" yaml:"warehouse_table,omitempty"`
	WarehouseOperation string `json:"warehouse_operation,omitempty" yaml:"warehouse_operation,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryCount     int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
}

// FabricPlane is one routing topology instance for a tenant. For a given
// tenant exactly one plane is active at any time.
type FabricPlane struct {
	Preset             FabricPreset       `json:"preset"`
	PrimaryPlaneID     string             `json:"primary_plane_id"`
	TenantID           string             `json:"tenant_id"`
	Routes             map[RouteKey]Route `json:"-"`
	ProviderConfig     map[string]string  `json:"provider_config,omitempty"`
	SelfHealingEnabled bool               `json:"self_healing_enabled"`
	HealthStatus       HealthState        `json:"health_status"`
	IsActive           bool               `json:"is_active"`
}

// ActionPayload is the logical action an agent wants executed downstream.
type ActionPayload struct {
	TargetSystem TargetSystem   `json:"target_system"`
	ActionType   ActionType     `json:"action_type"`
	EntityID     string         `json:"entity_id,omitempty"`
	EntityType   string         `json:"entity_type,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// RoutedActionStatus is the lifecycle state of one routed attempt.
type RoutedActionStatus string

const (
	RoutedPending   RoutedActionStatus = "pending"
	RoutedRouting   RoutedActionStatus = "routing"
	RoutedExecuting RoutedActionStatus = "executing"
	RoutedCompleted RoutedActionStatus = "completed"
	RoutedFailed    RoutedActionStatus = "failed"
	RoutedTimeout   RoutedActionStatus = "timeout"
)

// RoutedAction records one attempt through the fabric: the only legitimate
// way for agents to touch target systems.
type RoutedAction struct {
	ID             string             `json:"id"`
	Payload        ActionPayload      `json:"payload"`
	Route          *Route             `json:"route,omitempty"`
	FabricPreset   FabricPreset       `json:"fabric_preset,omitempty"`
	PrimaryPlaneID string             `json:"primary_plane_id,omitempty"`
	Status         RoutedActionStatus `json:"status"`
	AgentID        string             `json:"agent_id,omitempty"`
	TenantID       string             `json:"tenant_id"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	ExecutionPath  string             `json:"execution_path,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Result         map[string]any     `json:"result,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// ActionRouter is the port handlers use to act on external systems.
type ActionRouter interface {
	Route(ctx Context, tenantID string, payload ActionPayload, agentID, correlationID string) (*RoutedAction, error)
	FabricContext(tenantID string) (planeID string, preset FabricPreset, ok bool)
}
