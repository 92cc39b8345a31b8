// Package pii implements the shift-left scan applied to delegation contexts
// before any agent handoff: regex detectors, overlap resolution and the
// policy gate that blocks, redacts or annotates.
package pii

import (
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

type detector struct {
	piiType    domain.PIIType
	re         *regexp.Regexp
	confidence float64
	risk       domain.RiskLevel
	// validate rejects false positives after the regex matched.
	validate func(s string) bool
}

var detectors = []detector{
	{
		piiType:    domain.PIIEmail,
		re:         regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		confidence: 0.95,
		risk:       domain.RiskMedium,
	},
	{
		piiType:    domain.PIISSN,
		re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		confidence: 0.90,
		risk:       domain.RiskCritical,
	},
	{
		piiType:    domain.PIICreditCard,
		re:         regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
		confidence: 0.95,
		risk:       domain.RiskCritical,
		validate:   luhnValid,
	},
	{
		piiType:    domain.PIIPhone,
		re:         regexp.MustCompile(`\+?\d{0,2}[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
		confidence: 0.70,
		risk:       domain.RiskMedium,
	},
	{
		piiType:    domain.PIIIPAddress,
		re:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		confidence: 0.80,
		risk:       domain.RiskLow,
		validate:   ipv4Valid,
	},
	{
		// Colon-hex candidates, full or :: compressed; the parser weeds
		// out timestamps and MAC addresses the loose pattern also catches.
		piiType:    domain.PIIIPAddress,
		re:         regexp.MustCompile(`[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7}`),
		confidence: 0.75,
		risk:       domain.RiskLow,
		validate:   ipv6Valid,
	},
	{
		piiType:    domain.PIIDateOfBirth,
		re:         regexp.MustCompile(`\b(?:19|20)\d{2}[\-/](?:0?[1-9]|1[0-2])[\-/](?:0?[1-9]|[12]\d|3[01])\b`),
		confidence: 0.60,
		risk:       domain.RiskHigh,
	},
	{
		piiType:    domain.PIIAPIKey,
		re:         regexp.MustCompile(`\b(?:sk|pk|api|key|tok|ghp)[_\-][A-Za-z0-9_\-]{16,}\b`),
		confidence: 0.85,
		risk:       domain.RiskCritical,
	},
	{
		piiType:    domain.PIIName,
		re:         regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr)\.\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`),
		confidence: 0.50,
		risk:       domain.RiskLow,
	},
}

// secretFieldHints marks fields whose whole value is treated as a password
// or credential regardless of shape.
var secretFieldHints = []string{"password", "passwd", "secret", "credential", "token"}

// scanField runs every detector over one field value and resolves overlaps
// by keeping the higher-confidence match.
func scanField(field, value string) []domain.PIIMatch {
	var matches []domain.PIIMatch

	lower := strings.ToLower(field)
	for _, hint := range secretFieldHints {
		if strings.Contains(lower, hint) && value != "" {
			matches = append(matches, domain.PIIMatch{
				Type:       domain.PIIPassword,
				Field:      field,
				Start:      0,
				End:        len(value),
				Confidence: 0.90,
				Risk:       domain.RiskCritical,
			})
			break
		}
	}

	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(value, -1) {
			span := value[loc[0]:loc[1]]
			if d.validate != nil && !d.validate(span) {
				continue
			}
			matches = append(matches, domain.PIIMatch{
				Type:       d.piiType,
				Field:      field,
				Start:      loc[0],
				End:        loc[1],
				Confidence: d.confidence,
				Risk:       d.risk,
			})
		}
	}
	return resolveOverlaps(matches)
}

// resolveOverlaps keeps, among overlapping spans in the same field, the one
// with the highest confidence. Ties go to the longer span.
func resolveOverlaps(matches []domain.PIIMatch) []domain.PIIMatch {
	if len(matches) < 2 {
		return matches
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].End-matches[i].Start > matches[j].End-matches[j].Start
	})
	var kept []domain.PIIMatch
	for _, m := range matches {
		overlap := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// luhnValid checks the card-number checksum after stripping separators.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func ipv4Valid(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

func ipv6Valid(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is6()
}

// rollupRisk is the highest risk across all matches.
func rollupRisk(matches []domain.PIIMatch) domain.RiskLevel {
	risk := domain.RiskNone
	for _, m := range matches {
		if m.Risk > risk {
			risk = m.Risk
		}
	}
	return risk
}
