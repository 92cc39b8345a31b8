package pii

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

func TestScanField_EmailOffsets(t *testing.T) {
	matches := scanField("original_input", "email me at bob@acme.com")
	require.Len(t, matches, 1)
	m := matches[0]
	require.Equal(t, domain.PIIEmail, m.Type)
	require.Equal(t, 12, m.Start)
	require.Equal(t, 24, m.End)
	require.InDelta(t, 0.95, m.Confidence, 0.001)
	require.Equal(t, domain.RiskMedium, m.Risk)
}

func TestScanField_CreditCardLuhn(t *testing.T) {
	// 4111111111111111 passes Luhn, 4111111111111112 does not.
	ok := scanField("note", "card 4111 1111 1111 1111 on file")
	require.Len(t, ok, 1)
	require.Equal(t, domain.PIICreditCard, ok[0].Type)
	require.Equal(t, domain.RiskCritical, ok[0].Risk)

	bad := scanField("note", "order 4111111111111112 shipped")
	for _, m := range bad {
		require.NotEqual(t, domain.PIICreditCard, m.Type)
	}
}

func TestScanField_SSNAndIP(t *testing.T) {
	matches := scanField("body", "ssn 123-45-6789 from 10.0.0.1")
	types := map[domain.PIIType]bool{}
	for _, m := range matches {
		types[m.Type] = true
	}
	require.True(t, types[domain.PIISSN])
	require.True(t, types[domain.PIIIPAddress])

	none := scanField("body", "version 999.999.999.999 released")
	for _, m := range none {
		require.NotEqual(t, domain.PIIIPAddress, m.Type)
	}
}

func TestScanField_IPv6(t *testing.T) {
	full := scanField("body", "host at 2001:0db8:85a3:0000:0000:8a2e:0370:7334 responded")
	require.Len(t, full, 1)
	require.Equal(t, domain.PIIIPAddress, full[0].Type)
	require.InDelta(t, 0.75, full[0].Confidence, 0.001)
	require.Equal(t, domain.RiskLow, full[0].Risk)

	compressed := scanField("body", "bind to fe80::1 and 2001:db8::8a2e:370:7334")
	require.Len(t, compressed, 2)
	for _, m := range compressed {
		require.Equal(t, domain.PIIIPAddress, m.Type)
	}

	// Timestamps and MAC addresses share the colon-hex shape but are not
	// addresses.
	for _, text := range []string{"meeting at 12:30:45 sharp", "nic aa:bb:cc:dd:ee:ff up"} {
		for _, m := range scanField("body", text) {
			require.NotEqual(t, domain.PIIIPAddress, m.Type)
		}
	}
}

func TestScanField_SecretFieldName(t *testing.T) {
	matches := scanField("original_context.db_password", "hunter2")
	require.Len(t, matches, 1)
	require.Equal(t, domain.PIIPassword, matches[0].Type)
	require.Equal(t, 0, matches[0].Start)
	require.Equal(t, 7, matches[0].End)
}

func TestResolveOverlaps_KeepsHigherConfidence(t *testing.T) {
	// The SSN span also looks like part of a phone number; only the
	// higher-confidence SSN match survives.
	matches := scanField("body", "reach me about 123-45-6789 today")
	require.Len(t, matches, 1)
	require.Equal(t, domain.PIISSN, matches[0].Type)
}

func TestPrepare_BlockPolicy(t *testing.T) {
	gate := NewContextSharingProtocol()
	dc := domain.DelegationContext{OriginalInput: "email me at bob@acme.com"}

	safe, err := gate.Prepare(context.Background(), dc, domain.PIIBlock, "t1", "plane-1")
	require.ErrorIs(t, err, domain.ErrPolicyBlocked)
	require.Equal(t, "blocked", safe.ScanResult.ActionTaken)
	require.Equal(t, 1, safe.ScanResult.MatchCount)
	require.Equal(t, []domain.PIIType{domain.PIIEmail}, safe.ScanResult.Types)
	require.Equal(t, "t1", safe.ScanResult.TenantID)
	require.Equal(t, "plane-1", safe.ScanResult.PlaneID)
	require.True(t, safe.ScanResult.IsValidated)
	// Blocked context is never mutated.
	require.Equal(t, "email me at bob@acme.com", safe.Context.OriginalInput)
}

func TestPrepare_RedactPolicy(t *testing.T) {
	gate := NewContextSharingProtocol()
	dc := domain.DelegationContext{
		OriginalInput: "email me at bob@acme.com or call 555-123-4567",
		OriginalContext: map[string]any{
			"note":  "ssn is 123-45-6789",
			"count": 7,
		},
	}

	safe, err := gate.Prepare(context.Background(), dc, domain.PIIRedact, "t1", "")
	require.NoError(t, err)
	require.True(t, safe.Redacted)
	require.Equal(t, "redacted", safe.ScanResult.ActionTaken)
	require.Equal(t, "email me at [REDACTED:email] or call [REDACTED:phone]", safe.Context.OriginalInput)
	require.Equal(t, "ssn is [REDACTED:ssn]", safe.Context.OriginalContext["note"])
	require.Equal(t, 7, safe.Context.OriginalContext["count"])
	// The caller's context is untouched.
	require.Equal(t, "ssn is 123-45-6789", dc.OriginalContext["note"])
}

func TestPrepare_WarnAndAllowPassThrough(t *testing.T) {
	gate := NewContextSharingProtocol()
	dc := domain.DelegationContext{OriginalInput: "email me at bob@acme.com"}

	warned, err := gate.Prepare(context.Background(), dc, domain.PIIWarn, "t1", "")
	require.NoError(t, err)
	require.Equal(t, "warned", warned.ScanResult.ActionTaken)
	require.Equal(t, dc.OriginalInput, warned.Context.OriginalInput)

	allowed, err := gate.Prepare(context.Background(), dc, domain.PIIAllow, "t1", "")
	require.NoError(t, err)
	require.Equal(t, "allowed", allowed.ScanResult.ActionTaken)
	require.False(t, allowed.Redacted)
}

func TestPrepare_CleanContextAllowedUnderBlock(t *testing.T) {
	gate := NewContextSharingProtocol()
	dc := domain.DelegationContext{OriginalInput: "summarize the q3 revenue report"}

	safe, err := gate.Prepare(context.Background(), dc, domain.PIIBlock, "t1", "")
	require.NoError(t, err)
	require.Equal(t, "allowed", safe.ScanResult.ActionTaken)
	require.Zero(t, safe.ScanResult.MatchCount)
	require.Equal(t, domain.RiskNone, safe.ScanResult.Risk)
}

func TestPrepare_UnknownPolicyRejected(t *testing.T) {
	gate := NewContextSharingProtocol()
	_, err := gate.Prepare(context.Background(),
		domain.DelegationContext{OriginalInput: "bob@acme.com"}, "whatever", "t1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
