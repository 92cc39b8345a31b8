package pii

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

// fieldValue is one scannable string inside a delegation context, with a
// setter so redaction can write the cleaned value back.
type fieldValue struct {
	name  string
	value string
	set   func(string)
}

// ContextSharingProtocol is the shift-left gate between agents. It scans a
// delegation context, then blocks, redacts, warns or allows per policy. A
// scanner crash fails open: the context passes unmodified but unvalidated,
// so sharing is never silently lost to a detector bug.
type ContextSharingProtocol struct{}

// NewContextSharingProtocol builds the gate.
func NewContextSharingProtocol() *ContextSharingProtocol {
	return &ContextSharingProtocol{}
}

// Prepare scans and applies the policy. The returned SafeContext always
// carries the scan record; on a blocking result the error wraps
// domain.ErrPolicyBlocked.
func (p *ContextSharingProtocol) Prepare(ctx domain.Context, dc domain.DelegationContext, policy domain.PIIPolicy, tenantID, planeID string) (domain.SafeContext, error) {
	start := time.Now()
	out := dc.Clone()

	scan := domain.ScanResult{
		ScanID:      "scan-" + uuid.NewString()[:12],
		Policy:      policy,
		TenantID:    tenantID,
		PlaneID:     planeID,
		IsValidated: true,
		ScannedAt:   start.UTC(),
	}

	matches, scanErr := p.scanAll(&out)
	scan.Duration = time.Since(start)
	if scanErr != nil {
		// Fail open: pass the context but mark it unvalidated.
		scan.IsValidated = false
		scan.ActionTaken = "scan_failed_open"
		slog.Error("pii scan failed open",
			slog.String("scan_id", scan.ScanID),
			slog.String("tenant_id", tenantID),
			slog.Any("error", scanErr))
		observability.PIIScansTotal.WithLabelValues(string(policy), scan.ActionTaken).Inc()
		return domain.SafeContext{Context: out, ScanResult: scan}, nil
	}

	scan.Matches = matches
	scan.MatchCount = len(matches)
	scan.Types = distinctTypes(matches)
	scan.Risk = rollupRisk(matches)
	for _, m := range matches {
		observability.PIIMatchesTotal.WithLabelValues(string(m.Type)).Inc()
	}

	redacted := false
	var err error
	switch {
	case len(matches) == 0:
		scan.ActionTaken = "allowed"
	case policy == domain.PIIBlock:
		scan.ActionTaken = "blocked"
		err = fmt.Errorf("context contains %d pii match(es), highest risk %s: %w",
			len(matches), scan.Risk, domain.ErrPolicyBlocked)
	case policy == domain.PIIRedact:
		p.redact(&out, matches)
		scan.ActionTaken = "redacted"
		redacted = true
	case policy == domain.PIIWarn:
		scan.ActionTaken = "warned"
		slog.Warn("pii shared under warn policy",
			slog.String("scan_id", scan.ScanID),
			slog.String("tenant_id", tenantID),
			slog.Int("matches", len(matches)),
			slog.String("risk", scan.Risk.String()))
	case policy == domain.PIIAllow:
		scan.ActionTaken = "allowed"
	default:
		return domain.SafeContext{}, fmt.Errorf("pii policy %q: %w", policy, domain.ErrInvalidArgument)
	}

	observability.PIIScansTotal.WithLabelValues(string(policy), scan.ActionTaken).Inc()
	slog.Debug("context scanned",
		slog.String("scan_id", scan.ScanID),
		slog.String("action", scan.ActionTaken),
		slog.Int("matches", scan.MatchCount),
		slog.Duration("duration", scan.Duration))
	return domain.SafeContext{Context: out, ScanResult: scan, Redacted: redacted}, err
}

// scanAll walks every scannable field. A panic in a detector is converted
// to an error so Prepare can fail open.
func (p *ContextSharingProtocol) scanAll(dc *domain.DelegationContext) (matches []domain.PIIMatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	for _, fv := range contextFields(dc) {
		matches = append(matches, scanField(fv.name, fv.value)...)
	}
	return matches, nil
}

// redact replaces each matched span with a typed placeholder, applying
// spans back to front so earlier offsets stay valid.
func (p *ContextSharingProtocol) redact(dc *domain.DelegationContext, matches []domain.PIIMatch) {
	byField := make(map[string][]domain.PIIMatch)
	for _, m := range matches {
		byField[m.Field] = append(byField[m.Field], m)
	}
	for _, fv := range contextFields(dc) {
		spans, ok := byField[fv.name]
		if !ok {
			continue
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].Start > spans[j].Start })
		value := fv.value
		for _, m := range spans {
			if m.Start < 0 || m.End > len(value) || m.Start >= m.End {
				continue
			}
			value = value[:m.Start] + "[REDACTED:" + string(m.Type) + "]" + value[m.End:]
		}
		fv.set(value)
	}
}

// contextFields enumerates the scannable string fields of a context.
func contextFields(dc *domain.DelegationContext) []fieldValue {
	out := []fieldValue{
		{name: "original_input", value: dc.OriginalInput, set: func(v string) { dc.OriginalInput = v }},
		{name: "delegation_reason", value: dc.DelegationReason, set: func(v string) { dc.DelegationReason = v }},
	}
	for key, v := range dc.OriginalContext {
		if s, ok := v.(string); ok {
			k := key
			out = append(out, fieldValue{
				name:  "original_context." + k,
				value: s,
				set:   func(nv string) { dc.OriginalContext[k] = nv },
			})
		}
	}
	for key, v := range dc.SharedState {
		if s, ok := v.(string); ok {
			k := key
			out = append(out, fieldValue{
				name:  "shared_state." + k,
				value: s,
				set:   func(nv string) { dc.SharedState[k] = nv },
			})
		}
	}
	return out
}

func distinctTypes(matches []domain.PIIMatch) []domain.PIIType {
	seen := make(map[domain.PIIType]struct{})
	var out []domain.PIIType
	for _, m := range matches {
		if _, ok := seen[m.Type]; !ok {
			seen[m.Type] = struct{}{}
			out = append(out, m.Type)
		}
	}
	return out
}
