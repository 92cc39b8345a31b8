package intel

import (
	"context"
	"fmt"
	"strings"

	"github.com/aamlabs/agent-fabric/internal/domain"
	"github.com/aamlabs/agent-fabric/internal/resilience"
)

// HeuristicFallbackName is the registered fallback identity for the LLM
// proposer; the resilience executor invokes it when the model is down.
const HeuristicFallbackName = "heuristic_mapping_fallback"

// aliasLexicon maps common source-field spellings to canonical field names.
var aliasLexicon = map[string]string{
	"email":      "email",
	"emailaddr":  "email",
	"mail":       "email",
	"phone":      "phone",
	"phonenum":   "phone",
	"tel":        "phone",
	"telephone":  "phone",
	"mobile":     "phone",
	"fname":      "first_name",
	"firstname":  "first_name",
	"givenname":  "first_name",
	"lname":      "last_name",
	"lastname":   "last_name",
	"surname":    "last_name",
	"familyname": "last_name",
	"amt":        "amount",
	"amount":     "amount",
	"total":      "amount",
	"totalamt":   "amount",
	"qty":        "quantity",
	"quantity":   "quantity",
	"addr":       "address",
	"address":    "address",
	"street":     "address",
	"zip":        "postal_code",
	"zipcode":    "postal_code",
	"postcode":   "postal_code",
	"postalcode": "postal_code",
	"dob":        "date_of_birth",
	"birthdate":  "date_of_birth",
	"createdat":  "created_at",
	"createddt":  "created_at",
	"updatedat":  "updated_at",
	"modifiedat": "updated_at",
	"custid":     "customer_id",
	"customerid": "customer_id",
	"orderid":    "order_id",
	"invoiceid":  "invoice_id",
	"status":     "status",
	"state":      "status",
	"currency":   "currency",
	"ccy":        "currency",
	"country":    "country",
	"city":       "city",
}

// HeuristicProposer resolves field mappings without a model: exact lexicon
// hits first, then string similarity against the candidate list. It never
// fails, so it is safe as a terminal fallback.
type HeuristicProposer struct{}

// ProposeMapping implements MappingProposer.
func (HeuristicProposer) ProposeMapping(_ domain.Context, q ProposalQuery) (Draft, error) {
	key := squash(q.SourceField)

	if canonical, ok := aliasLexicon[key]; ok {
		if len(q.CanonicalFields) == 0 || containsField(q.CanonicalFields, canonical) {
			return Draft{
				CanonicalEntity: q.CanonicalEntity,
				CanonicalField:  canonical,
				Confidence:      0.75,
				Reasoning:       fmt.Sprintf("lexicon match %q -> %q", q.SourceField, canonical),
			}, nil
		}
	}

	best, bestScore := "", 0.0
	var alternatives []string
	for _, candidate := range q.CanonicalFields {
		score := similarity(key, squash(candidate))
		if score > bestScore {
			if best != "" {
				alternatives = append([]string{best}, alternatives...)
			}
			best, bestScore = candidate, score
		} else if score >= 0.6 {
			alternatives = append(alternatives, candidate)
		}
	}
	if bestScore >= 0.6 {
		return Draft{
			CanonicalEntity: q.CanonicalEntity,
			CanonicalField:  best,
			Confidence:      0.5 * bestScore,
			Reasoning:       fmt.Sprintf("string similarity %.2f to %q", bestScore, best),
			Alternatives:    alternatives,
		}, nil
	}

	return Draft{
		CanonicalEntity: q.CanonicalEntity,
		Confidence:      0.30,
		Reasoning:       fmt.Sprintf("no lexicon or similarity match for %q", q.SourceField),
	}, nil
}

// AsFallback adapts the heuristic to the executor's fallback shape. The
// single argument is the ProposalQuery of the failed primary call.
func (h HeuristicProposer) AsFallback() resilience.Operation {
	return func(ctx context.Context, args ...any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("heuristic fallback needs the proposal query: %w", domain.ErrInvalidArgument)
		}
		q, ok := args[0].(ProposalQuery)
		if !ok {
			return nil, fmt.Errorf("heuristic fallback got %T: %w", args[0], domain.ErrInvalidArgument)
		}
		return h.ProposeMapping(ctx, q)
	}
}

// squash lowers and strips separators for comparison.
func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == '_' || r == '-' || r == '.' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// similarity is a normalized Levenshtein ratio in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	d := levenshtein(a, b)
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return 1 - float64(d)/float64(max)
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func containsField(fields []string, want string) bool {
	for _, f := range fields {
		if squash(f) == squash(want) {
			return true
		}
	}
	return false
}
