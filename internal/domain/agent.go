package domain

import "time"

// CapabilityType classifies what an agent capability does.
type CapabilityType string

const (
	CapabilityTool     CapabilityType = "tool"
	CapabilityQuery    CapabilityType = "query"
	CapabilityAction   CapabilityType = "action"
	CapabilityWorkflow CapabilityType = "workflow"
)

// AgentEndpoint describes one way to reach an agent.
type AgentEndpoint struct {
	URL                 string   `json:"url" validate:"required,url"`
	Protocol            string   `json:"protocol" validate:"required"`
	AuthScheme          string   `json:"auth_scheme,omitempty"`
	SupportedOperations []string `json:"supported_operations,omitempty"`
	HealthPath          string   `json:"health_path,omitempty"`
	RateLimitPerMinute  int      `json:"rate_limit_per_minute,omitempty"`
}

// Capability is one advertised unit of agent functionality.
type Capability struct {
	ID               string         `json:"id" validate:"required"`
	Name             string         `json:"name" validate:"required"`
	Type             CapabilityType `json:"type" validate:"required,oneof=tool query action workflow"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	OutputSchema     map[string]any `json:"output_schema,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// HealthState tracks the observed liveness of an agent.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// AgentCard is the machine-readable manifest of an agent: identity,
// endpoints, capabilities and collaboration policy. IDs are globally unique
// and endpoints must be non-empty.
type AgentCard struct {
	ID                  string        `json:"id" validate:"required"`
	Name                string        `json:"name" validate:"required"`
	TenantID            string        `json:"tenant_id" validate:"required"`
	AgentType           string        `json:"agent_type,omitempty"`
	Role                string        `json:"role,omitempty"`
	Endpoints           []AgentEndpoint `json:"endpoints" validate:"required,min=1,dive"`
	Capabilities        []Capability  `json:"capabilities,omitempty" validate:"dive"`
	ProtocolVersion     string        `json:"protocol_version,omitempty"`
	TrustLevel          int           `json:"trust_level" validate:"gte=0,lte=100"`
	Certification       string        `json:"certification,omitempty"`
	CanDelegate         bool          `json:"can_delegate"`
	CanAcceptDelegation bool          `json:"can_accept_delegation"`
	MaxConcurrentTasks  int           `json:"max_concurrent_tasks,omitempty"`
	MaxContextTokens    int           `json:"max_context_tokens,omitempty"`
	RegisteredAt        time.Time     `json:"registered_at,omitempty"`
}

// HasCapability reports whether the card advertises the capability id.
func (c AgentCard) HasCapability(capabilityID string) bool {
	for _, cap := range c.Capabilities {
		if cap.ID == capabilityID {
			return true
		}
	}
	return false
}

// AgentHealth is the tracked health record for a registered agent.
type AgentHealth struct {
	AgentID             string      `json:"agent_id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCheckedAt       time.Time   `json:"last_checked_at"`
	Detail              string      `json:"detail,omitempty"`
}

// DiscoveryFilter narrows agent discovery. Empty fields do not constrain.
type DiscoveryFilter struct {
	IDs                 []string
	TenantID            string
	CapabilityIDs       []string
	Tags                []string
	AgentType           string
	Role                string
	MinTrustLevel       int
	Certification       string
	CanDelegate         *bool
	CanAcceptDelegation *bool
	HealthStates        []HealthState
	Offset              int
	Limit               int
}
