// Package validate enforces the citation contract between a proposed answer
// and its envelope, and composes the deterministic fallback answer when
// generation cannot produce a valid one.
package validate

import (
	"fmt"
	"sort"

	"github.com/c360studio/semgate/envelope"
	"github.com/c360studio/semgate/evidence"
)

// State tracks a validation through its lifecycle.
type State string

const (
	StatePending State = "pending"
	StateValid   State = "valid"
	StateInvalid State = "invalid"
)

// Violation codes. Every failed check is reported; checks never short-circuit.
const (
	ViolationCitationScope        = "citation_scope"
	ViolationAnchorMissing        = "anchor_missing"
	ViolationCausalIncomplete     = "causal_incomplete"
	ViolationCompletenessMismatch = "completeness_mismatch"
)

// Completeness carries the counts a proposed answer claims about the
// evidence it consumed.
type Completeness struct {
	Events     int `json:"events"`
	Preceding  int `json:"preceding"`
	Succeeding int `json:"succeeding"`
}

// ProposedAnswer is the untrusted output of answer generation.
type ProposedAnswer struct {
	Text         string       `json:"text"`
	CitedIDs     []string     `json:"cited_ids"`
	Completeness Completeness `json:"completeness"`
}

// Violation is one failed check.
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Report is the full validation outcome for one attempt.
type Report struct {
	State      State       `json:"state"`
	Attempt    int         `json:"attempt"`
	Violations []Violation `json:"violations,omitempty"`
}

// Validator checks proposed answers against an envelope. Stateless; one
// instance serves all requests.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// Check runs every check against the proposed answer and returns the full
// report. All checks are evaluated so the report names every violation, not
// just the first.
func (v *Validator) Check(env *envelope.Envelope, answer *ProposedAnswer, attempt int) *Report {
	report := &Report{State: StatePending, Attempt: attempt}
	if env == nil || answer == nil {
		report.State = StateInvalid
		report.Violations = append(report.Violations, Violation{
			Code:   ViolationCitationScope,
			Detail: "missing envelope or answer",
		})
		return report
	}

	cited := make(map[string]bool, len(answer.CitedIDs))
	for _, id := range answer.CitedIDs {
		if !env.Allows(id) {
			report.Violations = append(report.Violations, Violation{
				Code:   ViolationCitationScope,
				Detail: fmt.Sprintf("cited id %s is not in allowed_ids", id),
			})
		}
		cited[id] = true
	}

	if !cited[env.AnchorID] {
		report.Violations = append(report.Violations, Violation{
			Code:   ViolationAnchorMissing,
			Detail: fmt.Sprintf("anchor %s is not cited", env.AnchorID),
		})
	}

	for _, e := range env.Edges {
		if e.Type != evidence.EdgeCausal {
			continue
		}
		for _, endpoint := range []string{e.From, e.To} {
			if env.Allows(endpoint) && !cited[endpoint] {
				report.Violations = append(report.Violations, Violation{
					Code:   ViolationCausalIncomplete,
					Detail: fmt.Sprintf("causal endpoint %s is allowed but not cited", endpoint),
				})
			}
		}
	}

	want := envelopeCompleteness(env)
	if answer.Completeness != want {
		report.Violations = append(report.Violations, Violation{
			Code: ViolationCompletenessMismatch,
			Detail: fmt.Sprintf("claimed events=%d preceding=%d succeeding=%d, envelope has events=%d preceding=%d succeeding=%d",
				answer.Completeness.Events, answer.Completeness.Preceding, answer.Completeness.Succeeding,
				want.Events, want.Preceding, want.Succeeding),
		})
	}

	if len(report.Violations) == 0 {
		report.State = StateValid
	} else {
		report.State = StateInvalid
	}
	return report
}

// envelopeCompleteness derives the ground-truth counts from the envelope:
// included event vertices, and causal edges into and out of the anchor.
func envelopeCompleteness(env *envelope.Envelope) Completeness {
	var c Completeness
	for _, item := range env.Evidence {
		if item.Kind == evidence.KindEvent {
			c.Events++
		}
	}
	for _, e := range env.Edges {
		if e.Type != evidence.EdgeCausal {
			continue
		}
		if e.To == env.AnchorID {
			c.Preceding++
		}
		if e.From == env.AnchorID {
			c.Succeeding++
		}
	}
	return c
}

// dedupeSorted returns the sorted unique elements of ids.
func dedupeSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i == 0 || out[i-1] != id {
			out[n] = id
			n++
		}
	}
	return out[:n]
}
