// Package budget clips a ranked candidate list to a serialized-size budget.
// The gate never re-ranks: inclusion is a strict prefix of the ranked order,
// and every clipped item is recorded with its reason.
package budget

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semgate/evidence"
)

// DefaultBudgetBytes is the serialized-size budget applied when a request
// does not override it.
const DefaultBudgetBytes = 16 * 1024

// Gate walks a ranked list in order and includes items until the budget
// would be exceeded.
type Gate struct {
	budgetBytes int
}

// NewGate creates a budget gate. A non-positive budget falls back to the
// default.
func NewGate(budgetBytes int) *Gate {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudgetBytes
	}
	return &Gate{budgetBytes: budgetBytes}
}

// Apply produces the budgeted bundle for a ranked list. The anchor (rank 0)
// is always included, even when it alone exceeds the budget, so a fallback
// answer always has evidence to cite. Once an item is excluded for budget,
// every lower-ranked item is excluded too; ranking order is honored exactly.
// maxCandidates, when positive, caps the number of non-anchor inclusions
// with reason policy_cap, checked before the byte budget for each item.
func (g *Gate) Apply(ranked []evidence.RankedItem, trace *evidence.PolicyTrace, maxCandidates int) (*evidence.Bundle, error) {
	if len(ranked) == 0 {
		return nil, fmt.Errorf("ranked list is empty")
	}

	bundle := &evidence.Bundle{
		PolicyAffected: trace != nil && trace.Withheld(),
	}

	anchorSize, err := serializedSize(&ranked[0].Vertex)
	if err != nil {
		return nil, fmt.Errorf("size anchor %s: %w", ranked[0].Vertex.ID, err)
	}
	bundle.Included = append(bundle.Included, ranked[0].Vertex.ID)
	used := anchorSize

	budgetClosed := false
	included := 0
	for _, item := range ranked[1:] {
		// The cap counts inclusions, not rank positions. Once the byte
		// budget closes, remaining items stay attributed to token_budget
		// rather than crossing into policy_cap at the cap index.
		if maxCandidates > 0 && included >= maxCandidates {
			bundle.Excluded = append(bundle.Excluded, evidence.Excluded{
				ID:     item.Vertex.ID,
				Reason: evidence.ReasonPolicyCap,
			})
			continue
		}

		size, err := serializedSize(&item.Vertex)
		if err != nil {
			return nil, fmt.Errorf("size vertex %s: %w", item.Vertex.ID, err)
		}
		if budgetClosed || used+size > g.budgetBytes {
			budgetClosed = true
			bundle.Excluded = append(bundle.Excluded, evidence.Excluded{
				ID:     item.Vertex.ID,
				Reason: evidence.ReasonTokenBudget,
			})
			continue
		}
		bundle.Included = append(bundle.Included, item.Vertex.ID)
		used += size
		included++
	}

	return bundle, nil
}

// serializedSize measures a vertex as it would appear in the envelope.
func serializedSize(v *evidence.CandidateVertex) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
