package validate

import (
	"fmt"
	"strings"

	"github.com/c360studio/semgate/envelope"
	"github.com/c360studio/semgate/evidence"
)

// DisclosureSentence is appended verbatim whenever evidence was withheld by
// policy or clipped by budget. Callers and tests rely on its exact wording.
const DisclosureSentence = "Some related evidence was withheld by policy or omitted due to size limits; this answer reflects only the evidence listed above."

// Fallback composes a deterministic answer from the envelope's included
// evidence alone. It never consults the full candidate pool and performs no
// generation, so it always succeeds given a sealed envelope. The result is
// valid by construction: it cites exactly the allowed IDs that appear in the
// evidence and edges, anchor included.
func Fallback(env *envelope.Envelope) (*ProposedAnswer, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is required")
	}
	if err := env.Verify(); err != nil {
		return nil, err
	}

	anchor := findVertex(env, env.AnchorID)
	if anchor == nil {
		return nil, fmt.Errorf("anchor %s missing from envelope evidence", env.AnchorID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Decision %s [%s].\n", env.AnchorID, env.AnchorID)

	cited := []string{env.AnchorID}
	for _, item := range env.Evidence {
		if item.ID == env.AnchorID {
			continue
		}
		fmt.Fprintf(&b, "Related %s %s: %s [%s].\n", item.Kind, item.ID, summarize(&item), item.ID)
		cited = append(cited, item.ID)
	}
	for _, e := range env.Edges {
		if e.Type != evidence.EdgeCausal {
			continue
		}
		fmt.Fprintf(&b, "Causal link: %s precedes %s.\n", e.From, e.To)
		cited = append(cited, e.From, e.To)
	}

	if env.PolicyAffected || len(env.Excluded) > 0 {
		b.WriteString(DisclosureSentence)
		b.WriteString("\n")
	}

	return &ProposedAnswer{
		Text:         strings.TrimRight(b.String(), "\n"),
		CitedIDs:     dedupeSorted(cited),
		Completeness: envelopeCompleteness(env),
	}, nil
}

func findVertex(env *envelope.Envelope, id string) *evidence.CandidateVertex {
	for i := range env.Evidence {
		if env.Evidence[i].ID == id {
			return &env.Evidence[i]
		}
	}
	return nil
}

// summarize renders a vertex's visible text for the fallback template,
// truncated so one oversized field cannot dominate the answer.
func summarize(v *evidence.CandidateVertex) string {
	text := v.Text()
	if text == "" {
		return "(no visible fields)"
	}
	const maxLen = 240
	if len(text) > maxLen {
		text = text[:maxLen] + "..."
	}
	return text
}
