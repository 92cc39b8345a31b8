package intel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// approvalTTL is how long a pending review stays actionable.
const approvalTTL = 7 * 24 * time.Hour

// ApprovalManager owns the human-in-the-loop path: queueing medium
// confidence proposals, notifying reviewers and applying decisions.
type ApprovalManager struct {
	repo       domain.ApprovalRepository
	memory     MappingMemory
	webhookURL string
	client     *http.Client
}

// NewApprovalManager builds the manager. webhookURL may be empty; memory
// may be nil.
func NewApprovalManager(repo domain.ApprovalRepository, memory MappingMemory, webhookURL string) *ApprovalManager {
	return &ApprovalManager{
		repo:       repo,
		memory:     memory,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enqueue creates a pending workflow for one proposal and notifies the
// reviewer webhook. Notification failures never block the queue.
func (m *ApprovalManager) Enqueue(ctx domain.Context, tenantID string, p domain.MappingProposal) (domain.ApprovalWorkflow, error) {
	now := time.Now().UTC()
	w := domain.ApprovalWorkflow{
		ID:        "apr-" + uuid.NewString()[:12],
		TenantID:  tenantID,
		Proposal:  p,
		Status:    domain.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(approvalTTL),
	}
	if err := m.repo.Create(ctx, w); err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("op=intel.Enqueue: %w", err)
	}
	m.notify(ctx, w)
	return w, nil
}

// Decide applies a reviewer's verdict. Approval materializes the mapping
// and feeds it back into the mapping memory as human approved.
func (m *ApprovalManager) Decide(ctx domain.Context, workflowID, reviewer string, approve bool, reason string) (domain.ApprovalWorkflow, error) {
	w, err := m.repo.Get(ctx, workflowID)
	if err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("op=intel.Decide: %w", err)
	}
	if w.Status != domain.ApprovalPending {
		return domain.ApprovalWorkflow{}, fmt.Errorf("workflow %s is %s: %w", workflowID, w.Status, domain.ErrConflict)
	}
	now := time.Now().UTC()
	if now.After(w.ExpiresAt) {
		w.Status = domain.ApprovalExpired
		if uerr := m.repo.Update(ctx, w); uerr != nil {
			return domain.ApprovalWorkflow{}, fmt.Errorf("op=intel.Decide expire: %w", uerr)
		}
		return domain.ApprovalWorkflow{}, fmt.Errorf("workflow %s expired: %w", workflowID, domain.ErrConflict)
	}

	w.AssignedTo = reviewer
	w.Reason = reason
	w.DecidedAt = &now
	if approve {
		w.Status = domain.ApprovalApproved
	} else {
		w.Status = domain.ApprovalRejected
	}
	if err := m.repo.Update(ctx, w); err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("op=intel.Decide update: %w", err)
	}

	if approve {
		if err := m.repo.MaterializeMapping(ctx, w.TenantID, w.Proposal); err != nil {
			return domain.ApprovalWorkflow{}, fmt.Errorf("op=intel.Decide materialize: %w", err)
		}
		if m.memory != nil {
			if err := m.memory.Record(ctx, w.TenantID, w.Proposal, true); err != nil {
				slog.Warn("mapping memory record failed after approval", slog.Any("error", err))
			}
		}
	}
	slog.Info("approval decided",
		slog.String("workflow_id", w.ID),
		slog.String("status", string(w.Status)),
		slog.String("reviewer", reviewer))
	return w, nil
}

// ListPending returns open reviews for a tenant.
func (m *ApprovalManager) ListPending(ctx domain.Context, tenantID string) ([]domain.ApprovalWorkflow, error) {
	return m.repo.ListPending(ctx, tenantID)
}

// ExpireOverdue marks pending workflows past their deadline expired.
func (m *ApprovalManager) ExpireOverdue(ctx domain.Context, tenantID string, now time.Time) (int, error) {
	pending, err := m.repo.ListPending(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("op=intel.ExpireOverdue: %w", err)
	}
	expired := 0
	for _, w := range pending {
		if now.After(w.ExpiresAt) {
			w.Status = domain.ApprovalExpired
			if uerr := m.repo.Update(ctx, w); uerr != nil {
				return expired, fmt.Errorf("op=intel.ExpireOverdue update: %w", uerr)
			}
			expired++
		}
	}
	return expired, nil
}

// notify posts the workflow to the reviewer webhook, best effort.
func (m *ApprovalManager) notify(ctx domain.Context, w domain.ApprovalWorkflow) {
	if m.webhookURL == "" {
		return
	}
	body, err := json.Marshal(map[string]any{
		"workflow_id": w.ID,
		"tenant_id":   w.TenantID,
		"proposal":    w.Proposal,
		"expires_at":  w.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("approval webhook notification failed",
			slog.String("workflow_id", w.ID), slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("approval webhook rejected notification",
			slog.String("workflow_id", w.ID), slog.Int("status", resp.StatusCode))
	}
}

// PGApprovalRepository persists workflows in Postgres.
type PGApprovalRepository struct {
	pool *pgxpool.Pool
}

// NewPGApprovalRepository wraps an existing pool.
func NewPGApprovalRepository(pool *pgxpool.Pool) *PGApprovalRepository {
	return &PGApprovalRepository{pool: pool}
}

// Migrate creates the backing tables when absent.
func (r *PGApprovalRepository) Migrate(ctx domain.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS approval_workflows (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			proposal    JSONB NOT NULL,
			status      TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			decided_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS approval_workflows_pending_idx
			ON approval_workflows (tenant_id, status);
		CREATE TABLE IF NOT EXISTS field_mappings (
			tenant_id        TEXT NOT NULL,
			connector        TEXT NOT NULL,
			source_table     TEXT NOT NULL,
			source_field     TEXT NOT NULL,
			canonical_entity TEXT NOT NULL,
			canonical_field  TEXT NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, connector, source_table, source_field)
		)`)
	if err != nil {
		return fmt.Errorf("op=intel.Migrate: %w", err)
	}
	return nil
}

// Create inserts one workflow.
func (r *PGApprovalRepository) Create(ctx domain.Context, w domain.ApprovalWorkflow) error {
	proposal, err := json.Marshal(w.Proposal)
	if err != nil {
		return fmt.Errorf("op=intel.Create marshal: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO approval_workflows (id, tenant_id, proposal, status, assigned_to, reason, created_at, expires_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.TenantID, proposal, w.Status, w.AssignedTo, w.Reason, w.CreatedAt, w.ExpiresAt, w.DecidedAt)
	if err != nil {
		return fmt.Errorf("op=intel.Create: %w", err)
	}
	return nil
}

// Get returns one workflow.
func (r *PGApprovalRepository) Get(ctx domain.Context, id string) (domain.ApprovalWorkflow, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, proposal, status, assigned_to, reason, created_at, expires_at, decided_at
		FROM approval_workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ApprovalWorkflow{}, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("op=intel.Get: %w", err)
	}
	return w, nil
}

// Update rewrites the mutable workflow columns.
func (r *PGApprovalRepository) Update(ctx domain.Context, w domain.ApprovalWorkflow) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE approval_workflows
		SET status = $2, assigned_to = $3, reason = $4, decided_at = $5
		WHERE id = $1`,
		w.ID, w.Status, w.AssignedTo, w.Reason, w.DecidedAt)
	if err != nil {
		return fmt.Errorf("op=intel.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", w.ID, domain.ErrNotFound)
	}
	return nil
}

// ListPending returns open workflows, oldest first. An empty tenant id
// spans all tenants, used by the expiry sweep.
func (r *PGApprovalRepository) ListPending(ctx domain.Context, tenantID string) ([]domain.ApprovalWorkflow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, proposal, status, assigned_to, reason, created_at, expires_at, decided_at
		FROM approval_workflows
		WHERE ($1 = '' OR tenant_id = $1) AND status = $2
		ORDER BY created_at`, tenantID, domain.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("op=intel.ListPending: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalWorkflow
	for rows.Next() {
		w, serr := scanWorkflow(rows)
		if serr != nil {
			return nil, fmt.Errorf("op=intel.ListPending scan: %w", serr)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MaterializeMapping upserts the approved mapping into the live table.
func (r *PGApprovalRepository) MaterializeMapping(ctx domain.Context, tenantID string, p domain.MappingProposal) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO field_mappings (tenant_id, connector, source_table, source_field, canonical_entity, canonical_field, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, connector, source_table, source_field)
		DO UPDATE SET canonical_entity = $5, canonical_field = $6, confidence = $7, updated_at = now()`,
		tenantID, p.Connector, p.SourceTable, p.SourceField, p.CanonicalEntity, p.CanonicalField, p.Confidence)
	if err != nil {
		return fmt.Errorf("op=intel.MaterializeMapping: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.ApprovalWorkflow, error) {
	var (
		w        domain.ApprovalWorkflow
		proposal []byte
	)
	if err := row.Scan(&w.ID, &w.TenantID, &proposal, &w.Status, &w.AssignedTo, &w.Reason, &w.CreatedAt, &w.ExpiresAt, &w.DecidedAt); err != nil {
		return domain.ApprovalWorkflow{}, err
	}
	if err := json.Unmarshal(proposal, &w.Proposal); err != nil {
		return domain.ApprovalWorkflow{}, err
	}
	return w, nil
}
