package intel

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
	"github.com/aamlabs/agent-fabric/internal/resilience"
)

// Pipeline orchestrates one schema repair: vector memory first, LLM second,
// heuristic as registered fallback, then weighted scoring into tiers.
type Pipeline struct {
	memory       MappingMemory
	proposer     MappingProposer
	exec         *resilience.Executor
	approvals    *ApprovalManager
	shortCircuit float64
}

// NewPipeline wires the stages. memory and approvals may be nil; the
// heuristic fallback is registered on the executor here.
func NewPipeline(memory MappingMemory, proposer MappingProposer, exec *resilience.Executor, approvals *ApprovalManager, ragShortCircuit float64) *Pipeline {
	if ragShortCircuit <= 0 || ragShortCircuit > 1 {
		ragShortCircuit = 0.90
	}
	exec.RegisterFallback(HeuristicFallbackName, HeuristicProposer{}.AsFallback())
	return &Pipeline{
		memory:       memory,
		proposer:     proposer,
		exec:         exec,
		approvals:    approvals,
		shortCircuit: ragShortCircuit,
	}
}

// Repair proposes a mapping for every drifted field and rolls the outcomes
// up into one RepairProposal.
func (p *Pipeline) Repair(ctx domain.Context, drift domain.DriftEvent) (*domain.RepairProposal, error) {
	added, removed := diffSchemas(drift.OldSchema, drift.NewSchema)
	if len(added) == 0 {
		return nil, fmt.Errorf("drift event for %s.%s has no new fields: %w",
			drift.Connector, drift.SourceTable, domain.ErrInvalidArgument)
	}

	repair := &domain.RepairProposal{
		DriftEvent: drift,
		CreatedAt:  time.Now().UTC(),
	}
	var confidenceSum float64
	for _, field := range added {
		proposal, err := p.proposeField(ctx, drift, field, removed)
		if err != nil {
			return nil, fmt.Errorf("op=intel.Repair field=%s: %w", field, err)
		}
		repair.FieldProposals = append(repair.FieldProposals, proposal)
		confidenceSum += proposal.Confidence

		observability.ProposalsTotal.WithLabelValues(string(proposal.Source), string(proposal.Action)).Inc()
		switch proposal.Action {
		case domain.ActionAutoApply:
			repair.AutoApplied++
			if p.memory != nil {
				if err := p.memory.Record(ctx, drift.TenantID, proposal, false); err != nil {
					slog.Warn("mapping memory record failed", slog.Any("error", err))
				}
			}
		case domain.ActionHITLQueued:
			repair.HITLQueued++
			if p.approvals != nil {
				if _, err := p.approvals.Enqueue(ctx, drift.TenantID, proposal); err != nil {
					slog.Warn("approval enqueue failed", slog.Any("error", err))
				}
			}
		default:
			repair.Rejected++
		}
	}

	repair.MeanConfidence = confidenceSum / float64(len(repair.FieldProposals))
	switch {
	case repair.AutoApplied > 0:
		repair.OverallAction = domain.ActionAutoApply
	case repair.HITLQueued > 0:
		repair.OverallAction = domain.ActionHITLQueued
	default:
		repair.OverallAction = domain.ActionRejected
	}

	slog.Info("schema repair proposed",
		slog.String("tenant_id", drift.TenantID),
		slog.String("connector", drift.Connector),
		slog.String("table", drift.SourceTable),
		slog.Int("fields", len(repair.FieldProposals)),
		slog.Int("auto_applied", repair.AutoApplied),
		slog.Int("hitl_queued", repair.HITLQueued),
		slog.Int("rejected", repair.Rejected))
	return repair, nil
}

// proposeField resolves one field: memory short-circuit, then the model
// with the heuristic fallback bound by name.
func (p *Pipeline) proposeField(ctx domain.Context, drift domain.DriftEvent, field string, candidates []string) (domain.MappingProposal, error) {
	proposal := domain.MappingProposal{
		Connector:       drift.Connector,
		SourceTable:     drift.SourceTable,
		SourceField:     field,
		CanonicalEntity: drift.CanonicalEntity,
		CreatedAt:       time.Now().UTC(),
	}
	validation := validateSamples(drift, field)

	if p.memory != nil {
		hit, err := p.lookupMemory(ctx, drift, field)
		if err != nil {
			slog.Warn("mapping memory lookup failed, continuing to model",
				slog.String("field", field), slog.Any("error", err))
		} else if hit != nil && hit.Score >= p.shortCircuit {
			proposal.Source = domain.SourceRAG
			proposal.CanonicalEntity = hit.CanonicalEntity
			proposal.CanonicalField = hit.CanonicalField
			proposal.Reasoning = fmt.Sprintf("resolved from mapping memory, similarity %.2f", hit.Score)
			human := 0.0
			if hit.HumanApproved {
				human = 1
			}
			proposal.Confidence = Score(Signals{
				ValidationSuccess: validation,
				HumanApproval:     human,
				SourceQuality:     sourceQuality(domain.SourceRAG),
				UsageCount:        hit.UsageCount,
				RAGSimilarity:     hit.Score,
			})
			proposal.Action = ActionFor(proposal.Confidence)
			return proposal, nil
		}
	}

	query := ProposalQuery{
		TenantID:        drift.TenantID,
		Connector:       drift.Connector,
		SourceTable:     drift.SourceTable,
		SourceField:     field,
		FieldType:       drift.NewSchema[field],
		CanonicalEntity: drift.CanonicalEntity,
		CanonicalFields: candidates,
		Samples:         sampleValues(drift.Samples, field),
	}

	llmServed := false
	v, err := p.exec.Do(ctx, resilience.KindLLM,
		func(ctx domain.Context, _ ...any) (any, error) {
			draft, perr := p.proposer.ProposeMapping(ctx, query)
			if perr != nil {
				return nil, perr
			}
			llmServed = true
			return draft, nil
		},
		resilience.WithFallback(HeuristicFallbackName),
		resilience.WithArgs(query),
	)
	if err != nil {
		return domain.MappingProposal{}, err
	}
	draft := v.(Draft)

	source := domain.SourceHeuristic
	if llmServed {
		source = domain.SourceLLM
	}
	proposal.Source = source
	if draft.CanonicalEntity != "" {
		proposal.CanonicalEntity = draft.CanonicalEntity
	}
	proposal.CanonicalField = draft.CanonicalField
	proposal.Reasoning = draft.Reasoning
	proposal.Alternatives = draft.Alternatives

	// Fresh proposals have no approval or usage history, so the draft's own
	// confidence is the base; poor sample validation drags it down.
	proposal.Confidence = draft.Confidence
	if len(drift.Samples) > 0 {
		proposal.Confidence = clamp01(draft.Confidence * (0.5 + 0.5*validation))
	}
	if draft.CanonicalField == "" {
		proposal.Confidence = minF(proposal.Confidence, 0.30)
	}
	proposal.Action = ActionFor(proposal.Confidence)
	// Heuristic drafts never clear the auto tier and never self-reject: a
	// guess made without the model always goes to a reviewer.
	if source == domain.SourceHeuristic {
		proposal.Action = domain.ActionHITLQueued
	}
	return proposal, nil
}

// lookupMemory wraps the vector search in the RAG resilience profile.
func (p *Pipeline) lookupMemory(ctx domain.Context, drift domain.DriftEvent, field string) (*MappingHit, error) {
	v, err := p.exec.Do(ctx, resilience.KindRAG, func(ctx domain.Context, _ ...any) (any, error) {
		return p.memory.Lookup(ctx, drift.TenantID, drift.Connector, field)
	})
	if err != nil {
		return nil, err
	}
	hit, _ := v.(*MappingHit)
	return hit, nil
}

// diffSchemas returns fields new in the drifted schema and fields that
// vanished from the old one; vanished fields are the rename candidates.
func diffSchemas(oldSchema, newSchema map[string]string) (added, removed []string) {
	for field := range newSchema {
		if _, ok := oldSchema[field]; !ok {
			added = append(added, field)
		}
	}
	for field := range oldSchema {
		if _, ok := newSchema[field]; !ok {
			removed = append(removed, field)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// validateSamples measures how many sampled values for the field are
// present and consistent with the declared type. No samples is neutral.
func validateSamples(drift domain.DriftEvent, field string) float64 {
	if len(drift.Samples) == 0 {
		return 0.5
	}
	declared := drift.NewSchema[field]
	total, ok := 0, 0
	for _, sample := range drift.Samples {
		v, present := sample[field]
		if !present || v == nil {
			continue
		}
		total++
		if typeMatches(declared, v) {
			ok++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string", "text", "varchar", "":
		_, ok := v.(string)
		return ok || declared == ""
	case "int", "integer", "bigint", "number", "float", "double", "decimal", "numeric":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

func sampleValues(samples []map[string]any, field string) []any {
	var out []any
	for _, s := range samples {
		if v, ok := s[field]; ok {
			out = append(out, v)
		}
	}
	return out
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
