package domain

import "time"

// PIIPolicy controls what happens when a context scan finds matches.
type PIIPolicy string

const (
	PIIBlock  PIIPolicy = "block"
	PIIRedact PIIPolicy = "redact"
	PIIWarn   PIIPolicy = "warn"
	PIIAllow  PIIPolicy = "allow"
)

// PIIType tags one detector.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPAddress  PIIType = "ip_address"
	PIIDateOfBirth PIIType = "date_of_birth"
	PIIAPIKey     PIIType = "api_key"
	PIIPassword   PIIType = "password"
	PIIName       PIIType = "name"
)

// RiskLevel ranks the severity of detected PII.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PIIMatch is one detected span within a scanned field.
type PIIMatch struct {
	Type       PIIType   `json:"type"`
	Field      string    `json:"field"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Confidence float64   `json:"confidence"`
	Risk       RiskLevel `json:"risk"`
}

// ScanResult summarizes one shift-left PII scan over a delegation context.
type ScanResult struct {
	ScanID      string        `json:"scan_id"`
	Matches     []PIIMatch    `json:"matches,omitempty"`
	MatchCount  int           `json:"match_count"`
	Types       []PIIType     `json:"types,omitempty"`
	Risk        RiskLevel     `json:"risk"`
	Policy      PIIPolicy     `json:"policy"`
	ActionTaken string        `json:"action_taken"`
	Duration    time.Duration `json:"duration"`
	TenantID    string        `json:"tenant_id,omitempty"`
	PlaneID     string        `json:"primary_plane_id,omitempty"`
	IsValidated bool          `json:"is_validated"`
	ScannedAt   time.Time     `json:"scanned_at"`
}

// SafeContext is a delegation context that passed the shift-left gate,
// possibly with redacted fields, always carrying its scan record.
type SafeContext struct {
	Context    DelegationContext `json:"context"`
	ScanResult ScanResult        `json:"scan_result"`
	Redacted   bool              `json:"redacted"`
}
