// Package preselect performs the policy-enforced graph-neighborhood fetch.
// It drops vertices and edges the policy forbids, masks fields before any
// candidate structure is assembled, and records every rejection with a
// machine-readable reason.
package preselect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/semgate/evidence"
	"github.com/c360studio/semgate/graphstore"
	"github.com/c360studio/semgate/policy"
)

// PreSelector turns a raw graph neighborhood into a sanitized candidate set.
type PreSelector struct {
	expander graphstore.Expander
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a PreSelector.
type Option func(*PreSelector)

// WithClock overrides the time source used to stamp candidate sets. Tests
// use this to keep the stamp deterministic.
func WithClock(now func() time.Time) Option {
	return func(p *PreSelector) {
		p.now = now
	}
}

// New creates a pre-selector over the given graph store.
func New(expander graphstore.Expander, logger *slog.Logger, opts ...Option) *PreSelector {
	p := &PreSelector{expander: expander, logger: logger, now: time.Now}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result pairs the sanitized candidate set with the corpus version it was
// built from.
type Result struct {
	Set          *evidence.CandidateSet
	SnapshotETag string
}

// Select expands the anchor's neighborhood and applies the policy. It refuses
// to run without a resolved policy; there is no default-open path.
func (p *PreSelector) Select(ctx context.Context, anchorID string, pol *policy.Policy) (*Result, error) {
	if pol == nil || pol.PolicyKey == "" {
		return nil, fmt.Errorf("%w: pre-selection requires a resolved policy", policy.ErrPolicyUnresolved)
	}
	if anchorID == "" {
		return nil, fmt.Errorf("anchor id is required")
	}

	neighborhood, err := p.expander.Expand(ctx, anchorID, pol.HopLimit)
	if err != nil {
		return nil, fmt.Errorf("expand anchor %s: %w", anchorID, err)
	}

	set := p.sanitize(neighborhood, pol)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("candidate set invalid: %w", err)
	}

	p.logger.Debug("Pre-selection complete",
		"anchor", anchorID,
		"retained", len(set.Vertices),
		"withheld", len(set.Trace.WithheldIDs),
		"snapshot_etag", neighborhood.SnapshotETag)

	return &Result{Set: set, SnapshotETag: neighborhood.SnapshotETag}, nil
}

// sanitize applies the policy to a raw neighborhood. Retained vertices are
// rebuilt field by field so no masked value ever enters the returned
// structure, even transiently.
func (p *PreSelector) sanitize(n *graphstore.Neighborhood, pol *policy.Policy) *evidence.CandidateSet {
	trace := evidence.PolicyTrace{
		ReasonsByID: make(map[string]string),
	}
	edgeTypesUsed := make(map[evidence.EdgeType]bool)

	// Edges first: a vertex the store only connected through denied edge
	// types is unreachable under this policy and must be withheld too.
	incident := make(map[string]int)
	allowedIncident := make(map[string]int)
	var keptEdges []evidence.CandidateEdge
	for _, raw := range n.Edges {
		edgeType := evidence.EdgeType(raw.Type)
		if !edgeType.IsValid() {
			edgeType = evidence.EdgeOther
		}
		incident[raw.From]++
		incident[raw.To]++
		if !pol.AllowsEdge(edgeType) {
			withhold(&trace, raw.ID, evidence.ReasonEdgeTypeDenied)
			continue
		}
		keptEdges = append(keptEdges, evidence.CandidateEdge{
			ID:   raw.ID,
			Type: edgeType,
			From: raw.From,
			To:   raw.To,
		})
		edgeTypesUsed[edgeType] = true
		allowedIncident[raw.From]++
		allowedIncident[raw.To]++
	}

	var kept []evidence.CandidateVertex
	retained := make(map[string]bool)
	for _, raw := range n.Vertices {
		if raw.ID != n.AnchorID && incident[raw.ID] > 0 && allowedIncident[raw.ID] == 0 {
			withhold(&trace, raw.ID, evidence.ReasonEdgeTypeDenied)
			continue
		}
		if reason := p.checkVertex(&raw, pol); reason != "" {
			withhold(&trace, raw.ID, reason)
			continue
		}
		kept = append(kept, maskVertex(&raw, pol))
		retained[raw.ID] = true
	}

	// Drop edges whose non-anchor endpoints were withheld; they would leak
	// the existence of hidden vertices.
	finalEdges := keptEdges[:0]
	for _, e := range keptEdges {
		if retained[e.From] && retained[e.To] {
			finalEdges = append(finalEdges, e)
		}
	}

	for et := range edgeTypesUsed {
		trace.EdgeTypesUsed = append(trace.EdgeTypesUsed, et)
	}
	sort.Slice(trace.EdgeTypesUsed, func(i, j int) bool {
		return trace.EdgeTypesUsed[i] < trace.EdgeTypesUsed[j]
	})
	sort.Strings(trace.WithheldIDs)

	// The stamp rides with the set into the cache: recency scoring reads it
	// instead of the wall clock, so cache hits rank identically.
	return &evidence.CandidateSet{
		AnchorID:    n.AnchorID,
		Vertices:    kept,
		Edges:       finalEdges,
		Trace:       trace,
		RetrievedAt: p.now().UTC(),
	}
}

// checkVertex applies the ACL checks in a fixed order so the recorded reason
// is deterministic: sensitivity, then namespace and scope, then role. The
// anchor is subject to the same checks as any other vertex.
func (p *PreSelector) checkVertex(raw *graphstore.RawVertex, pol *policy.Policy) string {
	sensitivity := evidence.Sensitivity(raw.Sensitivity)
	if sensitivity.Exceeds(pol.SensitivityCeiling) {
		return evidence.ReasonSensitivityExceeded
	}
	if !pol.SharesNamespace(raw.Namespaces) || !inAnyScope(pol, raw.Namespaces) {
		return evidence.ReasonNamespaceMismatch
	}
	if !roleAllowed(pol.Role, raw.RolesAllowed) {
		return evidence.ReasonRoleMissing
	}
	return ""
}

// maskVertex builds the sanitized vertex. Only fields the policy permits are
// copied; everything else is left behind in the raw structure.
func maskVertex(raw *graphstore.RawVertex, pol *policy.Policy) evidence.CandidateVertex {
	sensitivity := evidence.Sensitivity(raw.Sensitivity)

	fields := make(map[string]any)
	for name, value := range raw.Fields {
		if pol.FieldVisible(name, sensitivity) {
			fields[name] = value
		}
	}

	kind := evidence.VertexKind(raw.Kind)
	if !kind.IsValid() {
		kind = evidence.KindEvent
	}

	return evidence.CandidateVertex{
		ID:           raw.ID,
		Kind:         kind,
		Fields:       fields,
		Sensitivity:  sensitivity,
		Namespaces:   append([]string(nil), raw.Namespaces...),
		RolesAllowed: append([]string(nil), raw.RolesAllowed...),
	}
}

func withhold(trace *evidence.PolicyTrace, id, reason string) {
	if _, seen := trace.ReasonsByID[id]; seen {
		return
	}
	trace.WithheldIDs = append(trace.WithheldIDs, id)
	trace.ReasonsByID[id] = reason
}

func inAnyScope(pol *policy.Policy, namespaces []string) bool {
	for _, ns := range namespaces {
		if pol.InScope(ns) {
			return true
		}
	}
	return false
}

func roleAllowed(role string, rolesAllowed []string) bool {
	for _, r := range rolesAllowed {
		if r == role {
			return true
		}
	}
	return false
}
