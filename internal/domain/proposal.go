package domain

import "time"

// ProposalSource tells which stage of the pipeline produced a mapping.
type ProposalSource string

const (
	SourceRAG       ProposalSource = "rag"
	SourceLLM       ProposalSource = "llm"
	SourceHeuristic ProposalSource = "heuristic"
)

// ProposalAction is the tiered outcome of confidence scoring.
type ProposalAction string

const (
	ActionAutoApply  ProposalAction = "auto_apply"
	ActionHITLQueued ProposalAction = "hitl_queued"
	ActionRejected   ProposalAction = "rejected"
)

// MappingProposal is one proposed field repair for a drifted schema.
type MappingProposal struct {
	Connector       string         `json:"connector"`
	SourceTable     string         `json:"source_table"`
	SourceField     string         `json:"source_field"`
	CanonicalEntity string         `json:"canonical_entity"`
	CanonicalField  string         `json:"canonical_field"`
	Confidence      float64        `json:"confidence"`
	Reasoning       string         `json:"reasoning,omitempty"`
	Alternatives    []string       `json:"alternatives,omitempty"`
	Action          ProposalAction `json:"action"`
	Source          ProposalSource `json:"source"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DriftEvent describes a detected source-schema change requiring repair.
type DriftEvent struct {
	TenantID        string            `json:"tenant_id"`
	Connector       string            `json:"connector"`
	SourceTable     string            `json:"source_table"`
	CanonicalEntity string            `json:"canonical_entity,omitempty"`
	OldSchema       map[string]string `json:"old_schema"`
	NewSchema       map[string]string `json:"new_schema"`
	Samples         []map[string]any  `json:"samples,omitempty"`
	DetectedAt      time.Time         `json:"detected_at"`
}

// RepairProposal rolls up the per-field repairs for one drift event.
type RepairProposal struct {
	DriftEvent     DriftEvent        `json:"drift_event"`
	FieldProposals []MappingProposal `json:"field_proposals"`
	AutoApplied    int               `json:"auto_applied"`
	HITLQueued     int               `json:"hitl_queued"`
	Rejected       int               `json:"rejected"`
	MeanConfidence float64           `json:"mean_confidence"`
	OverallAction  ProposalAction    `json:"overall_action"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ApprovalStatus is the lifecycle state of a HITL workflow.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalWorkflow is one human-in-the-loop review of a medium-confidence
// mapping proposal.
type ApprovalWorkflow struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Proposal   MappingProposal `json:"proposal"`
	Status     ApprovalStatus  `json:"status"`
	AssignedTo string          `json:"assigned_to"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
}

// ApprovalRepository persists HITL workflows and materialized mappings.
type ApprovalRepository interface {
	Create(ctx Context, w ApprovalWorkflow) error
	Get(ctx Context, id string) (ApprovalWorkflow, error)
	Update(ctx Context, w ApprovalWorkflow) error
	ListPending(ctx Context, tenantID string) ([]ApprovalWorkflow, error)
	MaterializeMapping(ctx Context, tenantID string, p MappingProposal) error
}
