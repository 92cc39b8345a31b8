// Package intel implements the schema-repair intelligence pipeline: RAG
// memory lookup, LLM proposal, heuristic fallback, weighted confidence
// scoring and the human-in-the-loop approval path.
package intel

import (
	"math"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// Confidence tier cutoffs. At or above AutoApplyThreshold a proposal is
// applied without review; below RejectThreshold it is discarded.
const (
	AutoApplyThreshold = 0.85
	RejectThreshold    = 0.60
)

// Signal weights. They sum to 1.0.
const (
	weightValidation  = 0.30
	weightHumanApprov = 0.25
	weightSourceQual  = 0.20
	weightUsageFreq   = 0.15
	weightRAGSim      = 0.10
)

// Signals are the inputs to one confidence score, each already normalized
// to [0,1] except UsageCount.
type Signals struct {
	// ValidationSuccess is the fraction of sampled values that validated
	// against the canonical field's type.
	ValidationSuccess float64
	// HumanApproval is 1 when a human approved this exact mapping before.
	HumanApproval float64
	// SourceQuality reflects which stage produced the mapping.
	SourceQuality float64
	// UsageCount is how many times this mapping has been applied.
	UsageCount int64
	// RAGSimilarity is the best vector-memory match score.
	RAGSimilarity float64
}

// UsageFrequency compresses raw usage counts to [0,1] on a log scale;
// about a thousand uses saturates the signal.
func UsageFrequency(count int64) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(1, math.Log10(float64(count)+1)/3)
}

// Score combines the weighted signals into one confidence value in [0,1].
func Score(s Signals) float64 {
	score := weightValidation*clamp01(s.ValidationSuccess) +
		weightHumanApprov*clamp01(s.HumanApproval) +
		weightSourceQual*clamp01(s.SourceQuality) +
		weightUsageFreq*UsageFrequency(s.UsageCount) +
		weightRAGSim*clamp01(s.RAGSimilarity)
	return clamp01(score)
}

// ActionFor maps a confidence score to its tier.
func ActionFor(score float64) domain.ProposalAction {
	switch {
	case score >= AutoApplyThreshold:
		return domain.ActionAutoApply
	case score >= RejectThreshold:
		return domain.ActionHITLQueued
	default:
		return domain.ActionRejected
	}
}

// sourceQuality rates the pipeline stage that produced the mapping.
func sourceQuality(source domain.ProposalSource) float64 {
	switch source {
	case domain.SourceRAG:
		return 0.9
	case domain.SourceLLM:
		return 0.7
	case domain.SourceHeuristic:
		return 0.5
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
