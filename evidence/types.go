// Package evidence defines the data model for the policy-aware evidence
// pipeline: sanitized candidate vertices and edges, the candidate set
// produced by pre-selection, ranked items, and the budgeted bundle.
package evidence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sensitivity classifies how restricted a vertex is.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Rank returns the ordering position of a sensitivity level.
// Unknown levels rank above high so that malformed data fails closed.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityLow:
		return 0
	case SensitivityMedium:
		return 1
	case SensitivityHigh:
		return 2
	}
	return 3
}

// IsValid returns true if the sensitivity level is recognized.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// Exceeds reports whether s is more restricted than the given ceiling.
func (s Sensitivity) Exceeds(ceiling Sensitivity) bool {
	return s.Rank() > ceiling.Rank()
}

// VertexKind categorizes candidate vertices.
type VertexKind string

const (
	KindDecision        VertexKind = "decision"
	KindEvent           VertexKind = "event"
	KindAliasProjection VertexKind = "alias-projection"
)

// IsValid returns true if the vertex kind is recognized.
func (k VertexKind) IsValid() bool {
	switch k {
	case KindDecision, KindEvent, KindAliasProjection:
		return true
	}
	return false
}

// EdgeType categorizes candidate edges.
type EdgeType string

const (
	EdgeCausal          EdgeType = "causal"
	EdgeAliasProjection EdgeType = "alias-projection"
	EdgeOther           EdgeType = "other"
)

// IsValid returns true if the edge type is recognized.
func (t EdgeType) IsValid() bool {
	switch t {
	case EdgeCausal, EdgeAliasProjection, EdgeOther:
		return true
	}
	return false
}

// Exclusion reasons recorded by the pre-selector and budget gate. The acl:*
// reasons are access-control decisions; token_budget and policy_cap are size
// limits. The two classes must never be conflated in a response.
const (
	ReasonRoleMissing         = "acl:role_missing"
	ReasonNamespaceMismatch   = "acl:namespace_mismatch"
	ReasonSensitivityExceeded = "acl:sensitivity_exceeded"
	ReasonEdgeTypeDenied      = "acl:edge_type_denied"
	ReasonTokenBudget         = "token_budget"
	ReasonPolicyCap           = "policy_cap"
)

// CandidateVertex is a policy-filtered, field-masked vertex. A vertex present
// in a CandidateSet has already passed policy; downstream stages must not
// re-derive visibility from its fields.
type CandidateVertex struct {
	ID           string         `json:"id"`
	Kind         VertexKind     `json:"kind"`
	Fields       map[string]any `json:"fields,omitempty"`
	Sensitivity  Sensitivity    `json:"sensitivity"`
	Namespaces   []string       `json:"namespaces,omitempty"`
	RolesAllowed []string       `json:"roles_allowed,omitempty"`
}

// Text returns the deterministic textual form of the vertex used for
// similarity scoring: the string field values joined in sorted key order.
// Masked fields are absent from Fields, so the text never leaks hidden data.
func (v *CandidateVertex) Text() string {
	if len(v.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		if _, ok := v.Fields[k].(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, v.Fields[k].(string))
	}
	return strings.Join(parts, " ")
}

// CandidateEdge is a policy-filtered edge between candidate vertices.
type CandidateEdge struct {
	ID   string   `json:"id"`
	Type EdgeType `json:"type"`
	From string   `json:"from"`
	To   string   `json:"to"`
}

// PolicyTrace records every vertex and edge the pre-selector withheld and why.
type PolicyTrace struct {
	WithheldIDs   []string          `json:"withheld_ids,omitempty"`
	ReasonsByID   map[string]string `json:"reasons_by_id,omitempty"`
	EdgeTypesUsed []EdgeType        `json:"edge_types_used,omitempty"`
}

// Withheld reports whether pre-selection hid anything from this actor.
func (t *PolicyTrace) Withheld() bool {
	return len(t.WithheldIDs) > 0
}

// CandidateSet is the sanitized evidence pool produced once per
// (anchor, policy, corpus version) by the pre-selector. Immutable after
// creation; cached keyed by that triple. RetrievedAt is the reference time
// for recency scoring, so a cached set ranks identically no matter when it
// is read back.
type CandidateSet struct {
	AnchorID    string            `json:"anchor_id"`
	Vertices    []CandidateVertex `json:"vertices"`
	Edges       []CandidateEdge   `json:"edges,omitempty"`
	Trace       PolicyTrace       `json:"policy_trace"`
	RetrievedAt time.Time         `json:"retrieved_at"`
}

// Anchor returns the anchor vertex, or nil if the set is malformed.
func (cs *CandidateSet) Anchor() *CandidateVertex {
	for i := range cs.Vertices {
		if cs.Vertices[i].ID == cs.AnchorID {
			return &cs.Vertices[i]
		}
	}
	return nil
}

// Vertex returns the vertex with the given id, or nil.
func (cs *CandidateSet) Vertex(id string) *CandidateVertex {
	for i := range cs.Vertices {
		if cs.Vertices[i].ID == id {
			return &cs.Vertices[i]
		}
	}
	return nil
}

// Validate checks structural invariants: the anchor is present, vertex IDs
// are unique, and every edge endpoint that is not the anchor resolves to a
// retained vertex or is external to the set.
func (cs *CandidateSet) Validate() error {
	if cs.AnchorID == "" {
		return fmt.Errorf("anchor_id is required")
	}
	if cs.Anchor() == nil {
		return fmt.Errorf("anchor %s missing from vertices", cs.AnchorID)
	}
	seen := make(map[string]bool, len(cs.Vertices))
	for _, v := range cs.Vertices {
		if v.ID == "" {
			return fmt.Errorf("vertex with empty id")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate vertex id %s", v.ID)
		}
		seen[v.ID] = true
	}
	for _, e := range cs.Edges {
		if !e.Type.IsValid() {
			return fmt.Errorf("edge %s has invalid type %q", e.ID, e.Type)
		}
	}
	return nil
}

// Score is the deterministic ranking score for a candidate vertex. Compared
// lexicographically: higher similarity first, then fewer recency days, then
// higher importance.
type Score struct {
	Similarity  float64 `json:"similarity"`
	RecencyDays int     `json:"recency_days"`
	Importance  float64 `json:"importance"`
}

// Less reports whether s ranks strictly worse than other.
func (s Score) Less(other Score) bool {
	if s.Similarity != other.Similarity {
		return s.Similarity < other.Similarity
	}
	if s.RecencyDays != other.RecencyDays {
		return s.RecencyDays > other.RecencyDays
	}
	return s.Importance < other.Importance
}

// RankedItem pairs a candidate vertex with its score.
type RankedItem struct {
	Vertex CandidateVertex `json:"vertex"`
	Score  Score           `json:"score"`
}

// Excluded records a single item clipped from the bundle with its reason.
type Excluded struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Bundle is the budget-gated selection over a ranked candidate list.
// Included is always a prefix of the ranked order within each reason class.
type Bundle struct {
	Included []string   `json:"included"`
	Excluded []Excluded `json:"excluded,omitempty"`

	// PolicyAffected is set when pre-selection withheld anything, even if
	// nothing was budget-excluded, so composition discloses partial evidence.
	PolicyAffected bool `json:"policy_affected,omitempty"`
}

// Includes reports whether the bundle contains the given id.
func (b *Bundle) Includes(id string) bool {
	for _, in := range b.Included {
		if in == id {
			return true
		}
	}
	return false
}
