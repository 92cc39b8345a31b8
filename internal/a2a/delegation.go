package a2a

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

// maxChainDepth caps how many hops a delegation chain may accumulate.
const maxChainDepth = 5

// ContextGate is the shift-left scan applied to a delegation context before
// any handoff. Implemented by the pii package.
type ContextGate interface {
	Prepare(ctx domain.Context, dc domain.DelegationContext, policy domain.PIIPolicy, tenantID, planeID string) (domain.SafeContext, error)
}

// CapabilityExecutor runs one accepted delegation on behalf of the
// delegatee.
type CapabilityExecutor func(ctx domain.Context, req domain.DelegationRequest) domain.DelegationResponse

// DelegateOptions tunes one handoff.
type DelegateOptions struct {
	Type           domain.DelegationType
	Priority       int
	TimeoutSeconds int
	PIIPolicy      domain.PIIPolicy
	Reason         string
	MaxSteps       int
	MaxCost        float64
}

// Engine owns the delegation lifecycle: context gating, acceptance rules,
// background execution and expiry.
type Engine struct {
	dir    *Directory
	gate   ContextGate
	router domain.ActionRouter

	defaultTimeout time.Duration
	defaultPolicy  domain.PIIPolicy

	mu          sync.RWMutex
	delegations map[string]*domain.DelegationRequest
	executors   map[string]CapabilityExecutor
	onTerminal  []func(domain.DelegationRequest)

	cancel chan struct{}
	done   chan struct{}
}

// EngineConfig configures the delegation engine.
type EngineConfig struct {
	DefaultTimeout time.Duration
	DefaultPolicy  domain.PIIPolicy
}

// NewEngine builds the engine. gate and router may be nil in tests; a nil
// gate skips the scan and marks the handoff unvalidated.
func NewEngine(dir *Directory, gate ContextGate, router domain.ActionRouter, cfg EngineConfig) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = domain.PIIRedact
	}
	return &Engine{
		dir:            dir,
		gate:           gate,
		router:         router,
		defaultTimeout: cfg.DefaultTimeout,
		defaultPolicy:  cfg.DefaultPolicy,
		delegations:    make(map[string]*domain.DelegationRequest),
		executors:      make(map[string]CapabilityExecutor),
		cancel:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// RegisterExecutor binds the function that runs accepted delegations for
// (agent, capability).
func (e *Engine) RegisterExecutor(agentID, capabilityID string, fn CapabilityExecutor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[agentID+"/"+capabilityID] = fn
}

// OnTerminal registers a best-effort callback fired when a delegation
// reaches a terminal status.
func (e *Engine) OnTerminal(fn func(domain.DelegationRequest)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTerminal = append(e.onTerminal, fn)
}

// Delegate creates a pending handoff from delegator to delegatee. An empty
// delegateeID picks the most trusted eligible agent in the tenant. The
// context passes the shift-left gate first; a blocking scan rejects the
// handoff before anything crosses the boundary.
func (e *Engine) Delegate(ctx domain.Context, delegatorID, delegateeID, capabilityID, taskInput string, dc domain.DelegationContext, opts DelegateOptions) (*domain.DelegationRequest, error) {
	delegator, err := e.dir.Get(delegatorID)
	if err != nil {
		return nil, fmt.Errorf("op=a2a.Delegate delegator: %w", err)
	}
	if !delegator.CanDelegate {
		return nil, fmt.Errorf("agent %s cannot delegate: %w", delegatorID, domain.ErrInvalidArgument)
	}
	if delegateeID == "" {
		candidates := e.dir.FindDelegatees(delegator.TenantID, capabilityID, 0, delegatorID)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no agent in tenant %s offers capability %s: %w",
				delegator.TenantID, capabilityID, domain.ErrNotFound)
		}
		delegateeID = candidates[0].ID
		slog.Info("delegatee auto-resolved",
			slog.String("delegator", delegatorID),
			slog.String("delegatee", delegateeID),
			slog.String("capability", capabilityID),
			slog.Int("trust_level", candidates[0].TrustLevel))
	}
	delegatee, err := e.dir.Get(delegateeID)
	if err != nil {
		return nil, fmt.Errorf("op=a2a.Delegate delegatee: %w", err)
	}
	if !delegatee.CanAcceptDelegation {
		return nil, fmt.Errorf("agent %s does not accept delegation: %w", delegateeID, domain.ErrInvalidArgument)
	}
	if capabilityID != "" && !delegatee.HasCapability(capabilityID) {
		return nil, fmt.Errorf("agent %s lacks capability %s: %w", delegateeID, capabilityID, domain.ErrInvalidArgument)
	}

	for _, hop := range dc.DelegationChain {
		if hop == delegateeID {
			return nil, fmt.Errorf("delegation cycle through %s: %w", delegateeID, domain.ErrInvariant)
		}
	}
	if len(dc.DelegationChain) >= maxChainDepth {
		return nil, fmt.Errorf("delegation chain depth %d exceeds %d: %w", len(dc.DelegationChain), maxChainDepth, domain.ErrInvariant)
	}

	policy := opts.PIIPolicy
	if policy == "" {
		policy = e.defaultPolicy
	}
	dc = dc.Clone()
	dc.DelegationReason = opts.Reason
	dc.DelegatedCapability = capabilityID
	if opts.MaxSteps > 0 {
		dc.MaxSteps = opts.MaxSteps
	}
	if opts.MaxCost > 0 {
		dc.MaxCost = opts.MaxCost
	}

	var scan *domain.ScanResult
	if e.gate != nil {
		planeID := ""
		if e.router != nil {
			planeID, _, _ = e.router.FabricContext(delegator.TenantID)
		}
		safe, gerr := e.gate.Prepare(ctx, dc, policy, delegator.TenantID, planeID)
		scan = &safe.ScanResult
		if gerr != nil {
			observability.DelegationsTotal.WithLabelValues(string(domain.DelegationRejected)).Inc()
			return nil, fmt.Errorf("op=a2a.Delegate context gate: %w", gerr)
		}
		dc = safe.Context
	}
	dc.DelegationChain = append(dc.DelegationChain, delegatorID)

	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	dtype := opts.Type
	if dtype == "" {
		dtype = domain.DelegationFull
	}
	now := time.Now().UTC()
	req := &domain.DelegationRequest{
		ID:             "dlg-" + uuid.NewString()[:12],
		DelegatorID:    delegatorID,
		DelegateeID:    delegateeID,
		TaskInput:      taskInput,
		CapabilityID:   capabilityID,
		Context:        dc,
		DelegationType: dtype,
		Priority:       opts.Priority,
		TimeoutAt:      now.Add(timeout),
		Status:         domain.DelegationPending,
		PIIPolicy:      string(policy),
		PIIScanResult:  scan,
		CreatedAt:      now,
	}

	e.mu.Lock()
	e.delegations[req.ID] = req
	cp := *req
	e.mu.Unlock()

	observability.DelegationsTotal.WithLabelValues(string(domain.DelegationPending)).Inc()
	slog.Info("delegation created",
		slog.String("delegation_id", req.ID),
		slog.String("delegator", delegatorID),
		slog.String("delegatee", delegateeID),
		slog.String("capability", capabilityID),
		slog.Int("chain_depth", len(dc.DelegationChain)))
	return &cp, nil
}

// Accept transitions pending to accepted; only the named delegatee may
// accept. When an executor is registered the run starts in the background.
func (e *Engine) Accept(ctx domain.Context, delegationID, delegateeID string) (*domain.DelegationRequest, error) {
	e.mu.Lock()
	req, ok := e.delegations[delegationID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("delegation %s: %w", delegationID, domain.ErrNotFound)
	}
	if req.DelegateeID != delegateeID {
		e.mu.Unlock()
		return nil, fmt.Errorf("agent %s is not the delegatee of %s: %w", delegateeID, delegationID, domain.ErrInvalidArgument)
	}
	if req.Status != domain.DelegationPending {
		e.mu.Unlock()
		return nil, fmt.Errorf("delegation %s status %s: %w", delegationID, req.Status, domain.ErrConflict)
	}
	now := time.Now().UTC()
	if now.After(req.TimeoutAt) {
		req.Status = domain.DelegationTimeout
		req.Error = "delegation deadline exceeded"
		cp := *req
		e.mu.Unlock()
		observability.DelegationsTotal.WithLabelValues(string(domain.DelegationTimeout)).Inc()
		e.fireTerminal(cp)
		return nil, fmt.Errorf("delegation %s expired at %s: %w", delegationID, cp.TimeoutAt.Format(time.RFC3339), domain.ErrConflict)
	}
	req.Status = domain.DelegationAccepted
	req.AcceptedAt = &now
	fn := e.executors[req.DelegateeID+"/"+req.CapabilityID]
	cp := *req
	e.mu.Unlock()

	observability.DelegationsTotal.WithLabelValues(string(domain.DelegationAccepted)).Inc()
	if fn != nil {
		e.setStatus(delegationID, domain.DelegationInProgress)
		go e.execute(ctx, delegationID, fn)
	}
	return &cp, nil
}

// Reject transitions pending to rejected with a reason.
func (e *Engine) Reject(delegationID, delegateeID, reason string) error {
	e.mu.Lock()
	req, ok := e.delegations[delegationID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("delegation %s: %w", delegationID, domain.ErrNotFound)
	}
	if req.DelegateeID != delegateeID {
		e.mu.Unlock()
		return fmt.Errorf("agent %s is not the delegatee of %s: %w", delegateeID, delegationID, domain.ErrInvalidArgument)
	}
	if req.Status != domain.DelegationPending {
		e.mu.Unlock()
		return fmt.Errorf("delegation %s status %s: %w", delegationID, req.Status, domain.ErrConflict)
	}
	req.Status = domain.DelegationRejected
	req.RejectReason = reason
	cp := *req
	e.mu.Unlock()

	observability.DelegationsTotal.WithLabelValues(string(domain.DelegationRejected)).Inc()
	e.fireTerminal(cp)
	return nil
}

// Complete records a finished run for delegations executed outside the
// engine's background path.
func (e *Engine) Complete(delegationID string, resp domain.DelegationResponse) error {
	e.mu.Lock()
	req, ok := e.delegations[delegationID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("delegation %s: %w", delegationID, domain.ErrNotFound)
	}
	if req.Status.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("delegation %s already %s: %w", delegationID, req.Status, domain.ErrConflict)
	}
	e.applyResponse(req, resp)
	cp := *req
	e.mu.Unlock()

	observability.DelegationsTotal.WithLabelValues(string(cp.Status)).Inc()
	e.fireTerminal(cp)
	return nil
}

// Cancel lets the delegator withdraw a non-terminal handoff.
func (e *Engine) Cancel(delegationID, delegatorID string) error {
	e.mu.Lock()
	req, ok := e.delegations[delegationID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("delegation %s: %w", delegationID, domain.ErrNotFound)
	}
	if req.DelegatorID != delegatorID {
		e.mu.Unlock()
		return fmt.Errorf("agent %s is not the delegator of %s: %w", delegatorID, delegationID, domain.ErrInvalidArgument)
	}
	if req.Status.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("delegation %s already %s: %w", delegationID, req.Status, domain.ErrConflict)
	}
	req.Status = domain.DelegationCancelled
	cp := *req
	e.mu.Unlock()

	observability.DelegationsTotal.WithLabelValues(string(domain.DelegationCancelled)).Inc()
	e.fireTerminal(cp)
	return nil
}

// Get returns a copy of one delegation.
func (e *Engine) Get(delegationID string) (domain.DelegationRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	req, ok := e.delegations[delegationID]
	if !ok {
		return domain.DelegationRequest{}, fmt.Errorf("delegation %s: %w", delegationID, domain.ErrNotFound)
	}
	return *req, nil
}

// ShareState merges keys into a live delegation's shared state. Only the
// two parties of the handoff may contribute, and only before it terminates.
func (e *Engine) ShareState(delegationID, agentID string, state map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.delegations[delegationID]
	if !ok {
		return fmt.Errorf("delegation %s: %w", delegationID, domain.ErrNotFound)
	}
	if agentID != req.DelegatorID && agentID != req.DelegateeID {
		return fmt.Errorf("agent %s is not a party of %s: %w", agentID, delegationID, domain.ErrInvalidArgument)
	}
	if req.Status.IsTerminal() {
		return fmt.Errorf("delegation %s already %s: %w", delegationID, req.Status, domain.ErrConflict)
	}
	if req.Context.SharedState == nil {
		req.Context.SharedState = make(map[string]any, len(state))
	}
	for k, v := range state {
		req.Context.SharedState[k] = v
	}
	return nil
}

// ListForAgent returns delegations where the agent is either side.
func (e *Engine) ListForAgent(agentID string) []domain.DelegationRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.DelegationRequest
	for _, req := range e.delegations {
		if req.DelegatorID == agentID || req.DelegateeID == agentID {
			out = append(out, *req)
		}
	}
	return out
}

// ExpireOverdue marks every non-terminal delegation past its deadline as
// timed out. Returns the ids expired.
func (e *Engine) ExpireOverdue(now time.Time) []string {
	var expired []domain.DelegationRequest
	e.mu.Lock()
	for _, req := range e.delegations {
		if !req.Status.IsTerminal() && now.After(req.TimeoutAt) {
			req.Status = domain.DelegationTimeout
			req.Error = "delegation deadline exceeded"
			expired = append(expired, *req)
		}
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, req := range expired {
		ids = append(ids, req.ID)
		observability.DelegationsTotal.WithLabelValues(string(domain.DelegationTimeout)).Inc()
		e.fireTerminal(req)
	}
	return ids
}

// Start launches the expiry sweep loop.
func (e *Engine) Start(ctx domain.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.cancel:
				return
			case <-ticker.C:
				if ids := e.ExpireOverdue(time.Now().UTC()); len(ids) > 0 {
					slog.Warn("delegations expired", slog.Int("count", len(ids)))
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (e *Engine) Stop() {
	close(e.cancel)
	<-e.done
}

// execute runs the registered executor and records the outcome, honoring
// the delegation deadline.
func (e *Engine) execute(ctx domain.Context, delegationID string, fn CapabilityExecutor) {
	req, err := e.Get(delegationID)
	if err != nil {
		return
	}
	rctx, cancel := contextUntil(ctx, req.TimeoutAt)
	defer cancel()

	resp := fn(rctx, req)

	e.mu.Lock()
	stored, ok := e.delegations[delegationID]
	if !ok || stored.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	e.applyResponse(stored, resp)
	cp := *stored
	e.mu.Unlock()

	observability.DelegationsTotal.WithLabelValues(string(cp.Status)).Inc()
	e.fireTerminal(cp)
}

// applyResponse stamps the terminal outcome. Caller holds the write lock.
func (e *Engine) applyResponse(req *domain.DelegationRequest, resp domain.DelegationResponse) {
	now := time.Now().UTC()
	req.CompletedAt = &now
	req.Result = resp.Result
	req.Error = resp.Error
	req.CostIncurred = resp.CostIncurred
	req.StepsUsed = resp.StepsUsed
	switch {
	case resp.Status.IsTerminal():
		req.Status = resp.Status
	case resp.Error != "":
		req.Status = domain.DelegationFailed
	default:
		req.Status = domain.DelegationCompleted
	}
}

// fireTerminal invokes terminal callbacks best effort; a panicking callback
// never takes the engine down.
func (e *Engine) fireTerminal(req domain.DelegationRequest) {
	e.mu.RLock()
	watchers := slices.Clone(e.onTerminal)
	e.mu.RUnlock()
	for _, fn := range watchers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("delegation callback panicked", slog.Any("panic", r))
				}
			}()
			fn(req)
		}()
	}
}

func contextUntil(ctx domain.Context, deadline time.Time) (domain.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func (e *Engine) setStatus(delegationID string, status domain.DelegationStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.delegations[delegationID]; ok && !req.Status.IsTerminal() {
		req.Status = status
	}
}
