package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/c360studio/semgate/evidence"
)

// Resolver maps actor identity to an effective policy using the role profile
// registry. A resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver over an immutable registry.
func NewResolver(registry *Registry) (*Resolver, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Resolver{registry: registry}, nil
}

// Resolve computes the effective policy for an actor. The actor can only
// narrow the role's configured access: the effective ceiling is the minimum
// of the role ceiling and any declared ceiling, and a declared edge allowlist
// intersects the role's allowlist. Any ambiguity is fatal.
func (r *Resolver) Resolve(actor *Actor) (*Policy, error) {
	if actor == nil {
		return nil, fmt.Errorf("%w: actor identity is required", ErrPolicyUnresolved)
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	profile, ok := r.registry.Profile(actor.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrPolicyUnresolved, actor.Role)
	}

	edgeAllow := profile.EdgeAllowlist
	if len(actor.DeclaredEdgeAllow) > 0 {
		edgeAllow = intersectEdgeTypes(profile.EdgeAllowlist, actor.DeclaredEdgeAllow)
		if len(edgeAllow) == 0 {
			return nil, fmt.Errorf("%w: declared edge allowlist excludes every configured edge type", ErrPolicyUnresolved)
		}
	}

	hopLimit := 1
	if profile.HopLimit > 0 {
		hopLimit = profile.HopLimit
	}
	if actor.HopLimit > 0 && actor.HopLimit < hopLimit {
		hopLimit = actor.HopLimit
	}
	// Multi-hop policy composition is unspecified; reject rather than guess.
	if actor.HopLimit > 1 {
		return nil, fmt.Errorf("%w: hop limit %d exceeds supported maximum 1", ErrPolicyUnresolved, actor.HopLimit)
	}

	fields := make(map[string]FieldRule, len(profile.FieldVisibility))
	for name, rule := range profile.FieldVisibility {
		fields[name] = rule
	}

	p := &Policy{
		Role:               actor.Role,
		Namespaces:         append([]string(nil), actor.Namespaces...),
		EdgeAllowlist:      append([]evidence.EdgeType(nil), edgeAllow...),
		DomainScopes:       append([]string(nil), profile.DomainScopes...),
		SensitivityCeiling: minCeiling(profile.SensitivityCeiling, actor.DeclaredCeiling),
		FieldVisibility:    fields,
		MaxCandidates:      profile.MaxCandidates,
		HopLimit:           hopLimit,
	}
	p.normalize()

	key, err := computePolicyKey(p)
	if err != nil {
		return nil, fmt.Errorf("%w: compute policy key: %v", ErrPolicyUnresolved, err)
	}
	p.PolicyKey = key

	return p, nil
}

// computePolicyKey hashes the resolved policy fields, not the raw request.
// Two actors resolving to identical effective access share a cache partition.
func computePolicyKey(p *Policy) (string, error) {
	keyed := struct {
		Role               string               `json:"role"`
		Namespaces         []string             `json:"namespaces"`
		EdgeAllowlist      []evidence.EdgeType  `json:"edge_allowlist"`
		DomainScopes       []string             `json:"domain_scopes"`
		SensitivityCeiling evidence.Sensitivity `json:"sensitivity_ceiling"`
		FieldVisibility    map[string]FieldRule `json:"field_visibility"`
		MaxCandidates      int                  `json:"max_candidates"`
		HopLimit           int                  `json:"hop_limit"`
	}{
		Role:               p.Role,
		Namespaces:         p.Namespaces,
		EdgeAllowlist:      p.EdgeAllowlist,
		DomainScopes:       p.DomainScopes,
		SensitivityCeiling: p.SensitivityCeiling,
		FieldVisibility:    p.FieldVisibility,
		MaxCandidates:      p.MaxCandidates,
		HopLimit:           p.HopLimit,
	}

	raw, err := json.Marshal(keyed)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// intersectEdgeTypes returns the edge types present in both lists, preserving
// the order of the first.
func intersectEdgeTypes(configured, declared []evidence.EdgeType) []evidence.EdgeType {
	declaredSet := make(map[evidence.EdgeType]bool, len(declared))
	for _, et := range declared {
		declaredSet[et] = true
	}
	var out []evidence.EdgeType
	for _, et := range configured {
		if declaredSet[et] {
			out = append(out, et)
		}
	}
	return out
}
