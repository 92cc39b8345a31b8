package intel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/domain"
	"github.com/aamlabs/agent-fabric/internal/resilience"
)

func fastExecutor() *resilience.Executor {
	profiles := resilience.DefaultProfiles()
	for kind, p := range profiles {
		p.AttemptTimeout = time.Second
		p.BackoffMin = time.Millisecond
		p.BackoffMax = 5 * time.Millisecond
		p.RecoveryTimeout = 50 * time.Millisecond
		profiles[kind] = p
	}
	return resilience.NewExecutor(profiles)
}

func TestUsageFrequency(t *testing.T) {
	require.Zero(t, UsageFrequency(0))
	require.InDelta(t, 1.0/3.0, UsageFrequency(9), 0.001)
	require.InDelta(t, 1.0, UsageFrequency(999), 0.001)
	require.Equal(t, 1.0, UsageFrequency(100000))
}

func TestScore_WeightsSumToOne(t *testing.T) {
	full := Score(Signals{
		ValidationSuccess: 1,
		HumanApproval:     1,
		SourceQuality:     1,
		UsageCount:        100000,
		RAGSimilarity:     1,
	})
	require.InDelta(t, 1.0, full, 0.001)
	require.Zero(t, Score(Signals{}))

	partial := Score(Signals{ValidationSuccess: 1, HumanApproval: 1, SourceQuality: 0.9})
	require.InDelta(t, 0.30+0.25+0.18, partial, 0.001)
}

func TestActionFor_Tiers(t *testing.T) {
	require.Equal(t, domain.ActionAutoApply, ActionFor(0.85))
	require.Equal(t, domain.ActionAutoApply, ActionFor(0.99))
	require.Equal(t, domain.ActionHITLQueued, ActionFor(0.8499))
	require.Equal(t, domain.ActionHITLQueued, ActionFor(0.60))
	require.Equal(t, domain.ActionRejected, ActionFor(0.5999))
	require.Equal(t, domain.ActionRejected, ActionFor(0))
}

func TestHeuristic_LexiconMatch(t *testing.T) {
	draft, err := HeuristicProposer{}.ProposeMapping(context.Background(), ProposalQuery{
		SourceField:     "email_addr",
		CanonicalEntity: "customer",
		CanonicalFields: []string{"email", "phone"},
	})
	require.NoError(t, err)
	require.Equal(t, "email", draft.CanonicalField)
	require.InDelta(t, 0.75, draft.Confidence, 0.001)
}

func TestHeuristic_SimilarityMatch(t *testing.T) {
	draft, err := HeuristicProposer{}.ProposeMapping(context.Background(), ProposalQuery{
		SourceField:     "emal",
		CanonicalFields: []string{"email", "phone"},
	})
	require.NoError(t, err)
	require.Equal(t, "email", draft.CanonicalField)
	require.InDelta(t, 0.4, draft.Confidence, 0.01)
}

func TestHeuristic_Unmapped(t *testing.T) {
	draft, err := HeuristicProposer{}.ProposeMapping(context.Background(), ProposalQuery{
		SourceField:     "xzqv_blob",
		CanonicalFields: []string{"email", "phone"},
	})
	require.NoError(t, err)
	require.Empty(t, draft.CanonicalField)
	require.InDelta(t, 0.30, draft.Confidence, 0.001)
}

func TestEmbedField_CloseNamesAreClose(t *testing.T) {
	a := embedField("stripe", "total_amount")
	b := embedField("stripe", "total_amt")
	c := embedField("stripe", "customer_email")

	require.Greater(t, cosine(a, b), cosine(a, c))
	require.Greater(t, cosine(a, b), 0.5)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

type fakeMemory struct {
	hit      *MappingHit
	err      error
	recorded []domain.MappingProposal
	approved []bool
}

func (m *fakeMemory) Lookup(context.Context, string, string, string) (*MappingHit, error) {
	return m.hit, m.err
}

func (m *fakeMemory) Record(_ context.Context, _ string, p domain.MappingProposal, humanApproved bool) error {
	m.recorded = append(m.recorded, p)
	m.approved = append(m.approved, humanApproved)
	return nil
}

type fakeProposer struct {
	draft Draft
	err   error
	calls int
}

func (p *fakeProposer) ProposeMapping(context.Context, ProposalQuery) (Draft, error) {
	p.calls++
	return p.draft, p.err
}

func drift() domain.DriftEvent {
	return domain.DriftEvent{
		TenantID:        "t1",
		Connector:       "stripe",
		SourceTable:     "charges",
		CanonicalEntity: "payment",
		OldSchema:       map[string]string{"id": "string", "total_amount": "number"},
		NewSchema:       map[string]string{"id": "string", "total_amt": "number"},
		Samples: []map[string]any{
			{"id": "ch_1", "total_amt": 12.5},
			{"id": "ch_2", "total_amt": 99.0},
		},
		DetectedAt: time.Now().UTC(),
	}
}

func TestPipeline_RAGShortCircuitSkipsModel(t *testing.T) {
	memory := &fakeMemory{hit: &MappingHit{
		Score:           0.95,
		CanonicalEntity: "payment",
		CanonicalField:  "amount",
		HumanApproved:   true,
		UsageCount:      100,
	}}
	proposer := &fakeProposer{}
	p := NewPipeline(memory, proposer, fastExecutor(), nil, 0.90)

	repair, err := p.Repair(context.Background(), drift())
	require.NoError(t, err)
	require.Zero(t, proposer.calls)
	require.Len(t, repair.FieldProposals, 1)

	fp := repair.FieldProposals[0]
	require.Equal(t, domain.SourceRAG, fp.Source)
	require.Equal(t, "amount", fp.CanonicalField)
	require.Equal(t, domain.ActionAutoApply, fp.Action)
	require.Equal(t, domain.ActionAutoApply, repair.OverallAction)
	require.Equal(t, 1, repair.AutoApplied)
	// Auto-applied mappings feed back into memory.
	require.Len(t, memory.recorded, 1)
	require.False(t, memory.approved[0])
}

func TestPipeline_LowSimilarityFallsThroughToModel(t *testing.T) {
	memory := &fakeMemory{hit: &MappingHit{Score: 0.55, CanonicalField: "amount"}}
	proposer := &fakeProposer{draft: Draft{
		CanonicalEntity: "payment",
		CanonicalField:  "amount",
		Confidence:      0.72,
		Reasoning:       "renamed column",
	}}
	p := NewPipeline(memory, proposer, fastExecutor(), nil, 0.90)

	repair, err := p.Repair(context.Background(), drift())
	require.NoError(t, err)
	require.Equal(t, 1, proposer.calls)

	fp := repair.FieldProposals[0]
	require.Equal(t, domain.SourceLLM, fp.Source)
	require.Equal(t, "amount", fp.CanonicalField)
	// All samples validate, so the draft confidence is kept.
	require.InDelta(t, 0.72, fp.Confidence, 0.001)
	require.Equal(t, domain.ActionHITLQueued, fp.Action)
	require.Equal(t, 1, repair.HITLQueued)
	require.Equal(t, domain.ActionHITLQueued, repair.OverallAction)
}

func TestPipeline_ModelDownUsesHeuristicFallback(t *testing.T) {
	proposer := &fakeProposer{err: errors.New("llm unavailable")}
	p := NewPipeline(nil, proposer, fastExecutor(), nil, 0.90)

	d := drift()
	d.Samples = nil
	repair, err := p.Repair(context.Background(), d)
	require.NoError(t, err)
	require.Greater(t, proposer.calls, 0)

	fp := repair.FieldProposals[0]
	require.Equal(t, domain.SourceHeuristic, fp.Source)
	// total_amt resolves by similarity to the vanished total_amount column.
	require.Equal(t, "total_amount", fp.CanonicalField)
	require.Less(t, fp.Confidence, RejectThreshold)
	// Heuristic guesses always go to a reviewer, however weak.
	require.Equal(t, domain.ActionHITLQueued, fp.Action)
	require.Equal(t, domain.ActionHITLQueued, repair.OverallAction)
}

func TestPipeline_UnmappedHeuristicStillQueuedForReview(t *testing.T) {
	proposer := &fakeProposer{err: errors.New("llm unavailable")}
	p := NewPipeline(nil, proposer, fastExecutor(), nil, 0.90)

	d := drift()
	d.OldSchema = map[string]string{"id": "string"}
	d.NewSchema = map[string]string{"id": "string", "xzqv_blob": "string"}
	d.Samples = nil
	repair, err := p.Repair(context.Background(), d)
	require.NoError(t, err)

	fp := repair.FieldProposals[0]
	require.Equal(t, domain.SourceHeuristic, fp.Source)
	require.Empty(t, fp.CanonicalField)
	require.InDelta(t, 0.30, fp.Confidence, 0.001)
	require.Equal(t, domain.ActionHITLQueued, fp.Action)
}

// fieldMemory answers lookups from a per-field map, missing otherwise.
type fieldMemory struct {
	hits     map[string]*MappingHit
	recorded []domain.MappingProposal
}

func (m *fieldMemory) Lookup(_ context.Context, _, _, sourceField string) (*MappingHit, error) {
	return m.hits[sourceField], nil
}

func (m *fieldMemory) Record(_ context.Context, _ string, p domain.MappingProposal, _ bool) error {
	m.recorded = append(m.recorded, p)
	return nil
}

func TestPipeline_AnyAutoApplyWinsRollup(t *testing.T) {
	// One field short-circuits from memory at auto confidence, the other
	// misses and comes back from the model at hitl confidence; the rollup
	// follows the strongest tier present.
	memory := &fieldMemory{hits: map[string]*MappingHit{
		"ccy_code": {
			Score:           0.95,
			CanonicalEntity: "payment",
			CanonicalField:  "currency",
			HumanApproved:   true,
			UsageCount:      100,
		},
	}}
	proposer := &fakeProposer{draft: Draft{
		CanonicalEntity: "payment",
		CanonicalField:  "amount",
		Confidence:      0.70,
	}}
	p := NewPipeline(memory, proposer, fastExecutor(), nil, 0.90)

	d := drift()
	d.NewSchema["ccy_code"] = "string"
	d.Samples = []map[string]any{
		{"total_amt": 12.5, "ccy_code": "USD"},
		{"total_amt": 99.0, "ccy_code": "EUR"},
	}
	repair, err := p.Repair(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, repair.FieldProposals, 2)
	require.Equal(t, 1, repair.AutoApplied)
	require.Equal(t, 1, repair.HITLQueued)
	require.Equal(t, domain.ActionAutoApply, repair.OverallAction)
}

func TestPipeline_BadValidationDragsConfidenceDown(t *testing.T) {
	proposer := &fakeProposer{draft: Draft{
		CanonicalEntity: "payment",
		CanonicalField:  "amount",
		Confidence:      0.9,
	}}
	p := NewPipeline(nil, proposer, fastExecutor(), nil, 0.90)

	d := drift()
	// Every sampled value contradicts the declared number type.
	d.Samples = []map[string]any{
		{"total_amt": "not-a-number"},
		{"total_amt": "also-not"},
	}
	repair, err := p.Repair(context.Background(), d)
	require.NoError(t, err)

	fp := repair.FieldProposals[0]
	require.InDelta(t, 0.45, fp.Confidence, 0.001)
	require.Equal(t, domain.ActionRejected, fp.Action)
	require.Equal(t, domain.ActionRejected, repair.OverallAction)
}

func TestPipeline_NoNewFieldsRejected(t *testing.T) {
	p := NewPipeline(nil, &fakeProposer{}, fastExecutor(), nil, 0.90)
	d := drift()
	d.NewSchema = d.OldSchema
	_, err := p.Repair(context.Background(), d)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDiffSchemas(t *testing.T) {
	added, removed := diffSchemas(
		map[string]string{"a": "string", "b": "int"},
		map[string]string{"a": "string", "c": "int", "d": "bool"},
	)
	require.Equal(t, []string{"c", "d"}, added)
	require.Equal(t, []string{"b"}, removed)
}

type memRepo struct {
	workflows    map[string]domain.ApprovalWorkflow
	materialized []domain.MappingProposal
}

func newMemRepo() *memRepo {
	return &memRepo{workflows: make(map[string]domain.ApprovalWorkflow)}
}

func (r *memRepo) Create(_ context.Context, w domain.ApprovalWorkflow) error {
	r.workflows[w.ID] = w
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (domain.ApprovalWorkflow, error) {
	w, ok := r.workflows[id]
	if !ok {
		return domain.ApprovalWorkflow{}, domain.ErrNotFound
	}
	return w, nil
}

func (r *memRepo) Update(_ context.Context, w domain.ApprovalWorkflow) error {
	r.workflows[w.ID] = w
	return nil
}

func (r *memRepo) ListPending(_ context.Context, tenantID string) ([]domain.ApprovalWorkflow, error) {
	var out []domain.ApprovalWorkflow
	for _, w := range r.workflows {
		if w.TenantID == tenantID && w.Status == domain.ApprovalPending {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *memRepo) MaterializeMapping(_ context.Context, _ string, p domain.MappingProposal) error {
	r.materialized = append(r.materialized, p)
	return nil
}

func TestApprovalManager_ApproveMaterializesAndFeedsMemory(t *testing.T) {
	repo := newMemRepo()
	memory := &fakeMemory{}
	m := NewApprovalManager(repo, memory, "")

	w, err := m.Enqueue(context.Background(), "t1", domain.MappingProposal{
		Connector:      "stripe",
		SourceField:    "total_amt",
		CanonicalField: "amount",
		Confidence:     0.72,
	})
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, w.Status)
	require.WithinDuration(t, time.Now().Add(7*24*time.Hour), w.ExpiresAt, time.Minute)

	pending, err := m.ListPending(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	decided, err := m.Decide(context.Background(), w.ID, "reviewer@aam", true, "looks right")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, decided.Status)
	require.Len(t, repo.materialized, 1)
	require.Len(t, memory.recorded, 1)
	require.True(t, memory.approved[0])

	// Double decision is a conflict.
	_, err = m.Decide(context.Background(), w.ID, "reviewer@aam", false, "")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestApprovalManager_ExpiredCannotBeDecided(t *testing.T) {
	repo := newMemRepo()
	m := NewApprovalManager(repo, nil, "")

	w, err := m.Enqueue(context.Background(), "t1", domain.MappingProposal{SourceField: "x"})
	require.NoError(t, err)

	stale := repo.workflows[w.ID]
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	repo.workflows[w.ID] = stale

	_, err = m.Decide(context.Background(), w.ID, "reviewer@aam", true, "")
	require.ErrorIs(t, err, domain.ErrConflict)
	got, _ := repo.Get(context.Background(), w.ID)
	require.Equal(t, domain.ApprovalExpired, got.Status)

	n, err := m.ExpireOverdue(context.Background(), "t1", time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}
