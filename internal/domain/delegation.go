package domain

import "time"

// DelegationType distinguishes how a handoff is executed.
type DelegationType string

const (
	DelegationFull     DelegationType = "full"
	DelegationPartial  DelegationType = "partial"
	DelegationAsync    DelegationType = "async"
	DelegationParallel DelegationType = "parallel"
)

// DelegationStatus is the lifecycle state of a handoff. Transitions form a
// DAG with terminal {completed, failed, cancelled, timeout, rejected}.
type DelegationStatus string

const (
	DelegationPending    DelegationStatus = "pending"
	DelegationAccepted   DelegationStatus = "accepted"
	DelegationRejected   DelegationStatus = "rejected"
	DelegationInProgress DelegationStatus = "in_progress"
	DelegationCompleted  DelegationStatus = "completed"
	DelegationFailed     DelegationStatus = "failed"
	DelegationCancelled  DelegationStatus = "cancelled"
	DelegationTimeout    DelegationStatus = "timeout"
)

// IsTerminal reports whether the delegation admits no further transitions.
func (s DelegationStatus) IsTerminal() bool {
	switch s {
	case DelegationCompleted, DelegationFailed, DelegationCancelled, DelegationTimeout, DelegationRejected:
		return true
	}
	return false
}

// DelegationContext is the bounded payload of a handoff. DelegationChain is
// append-only and always ends with the most recent delegator.
type DelegationContext struct {
	OriginalInput       string         `json:"original_input"`
	OriginalContext     map[string]any `json:"original_context,omitempty"`
	DelegationReason    string         `json:"delegation_reason,omitempty"`
	DelegatedCapability string         `json:"delegated_capability,omitempty"`
	MaxSteps            int            `json:"max_steps,omitempty"`
	MaxCost             float64        `json:"max_cost,omitempty"`
	TimeoutSeconds      int            `json:"timeout_seconds,omitempty"`
	DelegationChain     []string       `json:"delegation_chain,omitempty"`
	SharedState         map[string]any `json:"shared_state,omitempty"`
}

// Clone returns a deep-enough copy so redaction never mutates the caller's
// context. Map values are shallow-copied per key.
func (c DelegationContext) Clone() DelegationContext {
	out := c
	out.DelegationChain = append([]string(nil), c.DelegationChain...)
	if c.OriginalContext != nil {
		out.OriginalContext = make(map[string]any, len(c.OriginalContext))
		for k, v := range c.OriginalContext {
			out.OriginalContext[k] = v
		}
	}
	if c.SharedState != nil {
		out.SharedState = make(map[string]any, len(c.SharedState))
		for k, v := range c.SharedState {
			out.SharedState[k] = v
		}
	}
	return out
}

// DelegationRequest is one handoff between agents. Only the named delegatee
// may accept or reject it.
type DelegationRequest struct {
	ID             string            `json:"id"`
	DelegatorID    string            `json:"delegator_id"`
	DelegateeID    string            `json:"delegatee_id"`
	TaskInput      string            `json:"task_input"`
	CapabilityID   string            `json:"capability_id"`
	Context        DelegationContext `json:"context"`
	DelegationType DelegationType    `json:"delegation_type"`
	Priority       int               `json:"priority"`
	TimeoutAt      time.Time         `json:"timeout_at"`
	Status         DelegationStatus  `json:"status"`
	PIIPolicy      string            `json:"pii_policy,omitempty"`
	PIIScanResult  *ScanResult       `json:"pii_scan_result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AcceptedAt     *time.Time        `json:"accepted_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Result         map[string]any    `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	RejectReason   string            `json:"reject_reason,omitempty"`
	CostIncurred   float64           `json:"cost_incurred,omitempty"`
	StepsUsed      int               `json:"steps_used,omitempty"`
}

// DelegationResponse carries the outcome of a delegated execution back to
// the engine.
type DelegationResponse struct {
	Status       DelegationStatus `json:"status"`
	Result       map[string]any   `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	CostIncurred float64          `json:"cost_incurred,omitempty"`
	StepsUsed    int              `json:"steps_used,omitempty"`
	Duration     time.Duration    `json:"duration,omitempty"`
}
