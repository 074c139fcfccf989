// Package envelope assembles the canonical request envelope handed to answer
// generation: policy identity, the budgeted evidence, and the closed set of
// IDs a downstream answer may cite. Fingerprints are computed once at build
// time; Verify detects any mutation after that point.
package envelope

import (
	"fmt"
	"sort"

	"github.com/c360studio/semgate/evidence"
)

// Envelope is the complete, sealed input to answer generation. AllowedIDs is
// the only legal citation surface for a downstream answer. An Envelope must
// not be mutated after Build returns it.
type Envelope struct {
	PolicyID string `json:"policy_id"`
	PromptID string `json:"prompt_id"`
	AnchorID string `json:"anchor_id"`

	// Evidence holds the included, masked vertices in rank order.
	Evidence []evidence.CandidateVertex `json:"evidence"`
	// Edges holds the causal edges whose both endpoints are included.
	Edges []evidence.CandidateEdge `json:"edges"`

	AllowedIDs []string `json:"allowed_ids"`

	EvidenceDigest    string `json:"evidence_digest"`
	BundleFingerprint string `json:"bundle_fingerprint"`
	PromptFingerprint string `json:"prompt_fingerprint"`

	SnapshotETag string `json:"snapshot_etag"`

	// Trace carries the withheld/excluded record through to the response.
	PolicyAffected bool                `json:"policy_affected"`
	Excluded       []evidence.Excluded `json:"excluded,omitempty"`
	WithheldIDs    []string            `json:"withheld_ids,omitempty"`
}

// promptFields is the exact input surface of the prompt fingerprint. Adding
// a field here changes every fingerprint, so it only names what the hash is
// meant to cover.
type promptFields struct {
	PolicyID   string                     `json:"policy_id"`
	PromptID   string                     `json:"prompt_id"`
	Evidence   []evidence.CandidateVertex `json:"evidence"`
	AllowedIDs []string                   `json:"allowed_ids"`
}

// Build assembles and seals an Envelope from the pre-selected candidate set
// and the budgeted bundle. Evidence follows the bundle's rank order, edges
// are restricted to those whose endpoints are both included, and AllowedIDs
// is the sorted union of the anchor and every included vertex and edge
// endpoint.
func Build(policyID, promptID string, set *evidence.CandidateSet, bundle *evidence.Bundle, snapshotETag string) (*Envelope, error) {
	if set == nil || bundle == nil {
		return nil, fmt.Errorf("candidate set and bundle are required")
	}
	if len(bundle.Included) == 0 {
		return nil, fmt.Errorf("bundle includes nothing, not even the anchor")
	}

	env := &Envelope{
		PolicyID:       policyID,
		PromptID:       promptID,
		AnchorID:       set.AnchorID,
		SnapshotETag:   snapshotETag,
		PolicyAffected: bundle.PolicyAffected,
		Excluded:       append([]evidence.Excluded(nil), bundle.Excluded...),
		WithheldIDs:    append([]string(nil), set.Trace.WithheldIDs...),
	}

	included := make(map[string]bool, len(bundle.Included))
	for _, id := range bundle.Included {
		v := set.Vertex(id)
		if v == nil {
			return nil, fmt.Errorf("bundle includes unknown vertex %s", id)
		}
		env.Evidence = append(env.Evidence, *v)
		included[id] = true
	}

	allowed := make(map[string]bool, len(included))
	for id := range included {
		allowed[id] = true
	}
	for _, e := range set.Edges {
		if !included[e.From] || !included[e.To] {
			continue
		}
		env.Edges = append(env.Edges, e)
		allowed[e.From] = true
		allowed[e.To] = true
	}
	sort.Slice(env.Edges, func(i, j int) bool {
		if env.Edges[i].From != env.Edges[j].From {
			return env.Edges[i].From < env.Edges[j].From
		}
		return env.Edges[i].To < env.Edges[j].To
	})

	env.AllowedIDs = make([]string, 0, len(allowed))
	for id := range allowed {
		env.AllowedIDs = append(env.AllowedIDs, id)
	}
	sort.Strings(env.AllowedIDs)

	if err := env.seal(set); err != nil {
		return nil, err
	}
	return env, nil
}

// seal computes the three fingerprints. EvidenceDigest covers the full
// candidate pool before budgeting, BundleFingerprint covers the included
// evidence alone, and PromptFingerprint covers everything the generation
// step sees.
func (env *Envelope) seal(set *evidence.CandidateSet) error {
	var err error
	if env.EvidenceDigest, err = Fingerprint(set); err != nil {
		return fmt.Errorf("evidence digest: %w", err)
	}
	if env.BundleFingerprint, err = Fingerprint(env.Evidence); err != nil {
		return fmt.Errorf("bundle fingerprint: %w", err)
	}
	env.PromptFingerprint, err = Fingerprint(promptFields{
		PolicyID:   env.PolicyID,
		PromptID:   env.PromptID,
		Evidence:   env.Evidence,
		AllowedIDs: env.AllowedIDs,
	})
	if err != nil {
		return fmt.Errorf("prompt fingerprint: %w", err)
	}
	return nil
}

// Verify recomputes the bundle and prompt fingerprints and compares them to
// the sealed values. A mismatch means the Envelope was mutated after Build,
// which is a caller bug.
func (env *Envelope) Verify() error {
	bundleFP, err := Fingerprint(env.Evidence)
	if err != nil {
		return err
	}
	if bundleFP != env.BundleFingerprint {
		return fmt.Errorf("bundle fingerprint mismatch: envelope mutated after build")
	}
	promptFP, err := Fingerprint(promptFields{
		PolicyID:   env.PolicyID,
		PromptID:   env.PromptID,
		Evidence:   env.Evidence,
		AllowedIDs: env.AllowedIDs,
	})
	if err != nil {
		return err
	}
	if promptFP != env.PromptFingerprint {
		return fmt.Errorf("prompt fingerprint mismatch: envelope mutated after build")
	}
	return nil
}

// Allows reports whether an ID may legally be cited against this Envelope.
func (env *Envelope) Allows(id string) bool {
	i := sort.SearchStrings(env.AllowedIDs, id)
	return i < len(env.AllowedIDs) && env.AllowedIDs[i] == id
}
