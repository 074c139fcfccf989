// Package policy resolves actor credentials into an immutable effective
// policy. Resolution fails closed: missing identity or an unknown role is a
// hard error, never a default-open policy.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/c360studio/semgate/evidence"
)

// ErrPolicyUnresolved is returned when actor identity cannot be mapped to an
// effective policy. The pre-selector must refuse to run on this error.
var ErrPolicyUnresolved = errors.New("policy unresolved")

// Actor is the caller identity extracted from request headers. DeclaredCeiling
// and DeclaredEdgeAllow can only narrow the role's configured access, never
// widen it.
type Actor struct {
	Role              string               `json:"role"`
	Namespaces        []string             `json:"namespaces"`
	DeclaredCeiling   evidence.Sensitivity `json:"declared_ceiling,omitempty"`
	DeclaredEdgeAllow []evidence.EdgeType  `json:"declared_edge_allow,omitempty"`
	HopLimit          int                  `json:"hop_limit,omitempty"`
}

// Validate checks that the identity fields required for resolution exist.
func (a *Actor) Validate() error {
	if a.Role == "" {
		return fmt.Errorf("%w: actor role is required", ErrPolicyUnresolved)
	}
	if len(a.Namespaces) == 0 {
		return fmt.Errorf("%w: actor namespaces are required", ErrPolicyUnresolved)
	}
	if a.DeclaredCeiling != "" && !a.DeclaredCeiling.IsValid() {
		return fmt.Errorf("%w: invalid declared ceiling %q", ErrPolicyUnresolved, a.DeclaredCeiling)
	}
	for _, et := range a.DeclaredEdgeAllow {
		if !et.IsValid() {
			return fmt.Errorf("%w: invalid declared edge type %q", ErrPolicyUnresolved, et)
		}
	}
	if a.HopLimit < 0 {
		return fmt.Errorf("%w: hop limit cannot be negative", ErrPolicyUnresolved)
	}
	return nil
}

// FieldRule controls visibility of a single vertex field. Rules are part of a
// role profile; the resolver flattens them into plain booleans so nothing
// rule-shaped survives past resolution time.
type FieldRule struct {
	// Visible grants the field unconditionally.
	Visible bool `yaml:"visible" json:"visible"`

	// MaxSensitivity, when set, restricts the field to vertices at or below
	// the given sensitivity even if Visible is true.
	MaxSensitivity evidence.Sensitivity `yaml:"max_sensitivity,omitempty" json:"max_sensitivity,omitempty"`
}

// Policy is the effective, resolved access policy for a single request.
// Immutable once resolved; never persisted beyond the request lifetime.
type Policy struct {
	Role               string               `json:"role"`
	Namespaces         []string             `json:"namespaces"`
	EdgeAllowlist      []evidence.EdgeType  `json:"edge_allowlist"`
	DomainScopes       []string             `json:"domain_scopes"`
	SensitivityCeiling evidence.Sensitivity `json:"sensitivity_ceiling"`

	// FieldVisibility maps field name to visibility, already flattened from
	// the profile's rules for this actor.
	FieldVisibility map[string]FieldRule `json:"field_visibility"`

	// MaxCandidates caps how many ranked items the budget gate may include
	// beyond the anchor. Zero means no cap.
	MaxCandidates int `json:"max_candidates,omitempty"`

	// HopLimit bounds graph expansion. Fixed at 1 in the baseline design;
	// values above 1 are rejected at resolution until multi-hop policy
	// composition is specified.
	HopLimit int `json:"hop_limit"`

	// PolicyKey is the stable hash over the resolved fields above. It is the
	// policy's identity for cache partitioning.
	PolicyKey string `json:"policy_key"`
}

// AllowsEdge reports whether the edge type is in the allowlist.
func (p *Policy) AllowsEdge(t evidence.EdgeType) bool {
	for _, allowed := range p.EdgeAllowlist {
		if allowed == t {
			return true
		}
	}
	return false
}

// FieldVisible reports whether a field may appear on a retained vertex with
// the given sensitivity. Unlisted fields are hidden.
func (p *Policy) FieldVisible(name string, sensitivity evidence.Sensitivity) bool {
	rule, ok := p.FieldVisibility[name]
	if !ok || !rule.Visible {
		return false
	}
	if rule.MaxSensitivity != "" && sensitivity.Exceeds(rule.MaxSensitivity) {
		return false
	}
	return true
}

// normalize sorts the slice-valued fields so two policies with the same
// content always hash identically.
func (p *Policy) normalize() {
	sort.Strings(p.Namespaces)
	sort.Strings(p.DomainScopes)
	sort.Slice(p.EdgeAllowlist, func(i, j int) bool {
		return p.EdgeAllowlist[i] < p.EdgeAllowlist[j]
	})
}

// minCeiling returns the more restrictive of two sensitivity ceilings.
func minCeiling(a, b evidence.Sensitivity) evidence.Sensitivity {
	if b == "" {
		return a
	}
	if b.Rank() < a.Rank() {
		return b
	}
	return a
}
