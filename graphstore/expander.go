// Package graphstore provides the client for the external graph store. The
// store is authoritative for graph structure but untrusted for policy: the
// pre-selector filters everything it returns.
package graphstore

import (
	"context"
	"errors"
)

// ErrUpstream wraps graph store failures that survived the retry budget.
var ErrUpstream = errors.New("graph store unavailable")

// RawVertex is an unfiltered vertex as returned by the graph store. Fields
// carries everything the store knows; nothing here has passed policy.
type RawVertex struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Fields       map[string]any `json:"fields,omitempty"`
	Sensitivity  string         `json:"sensitivity"`
	Namespaces   []string       `json:"namespaces,omitempty"`
	RolesAllowed []string       `json:"roles_allowed,omitempty"`
}

// RawEdge is an unfiltered edge as returned by the graph store.
type RawEdge struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Neighborhood is the bounded-hop expansion around an anchor, stamped with
// the corpus snapshot it was read from.
type Neighborhood struct {
	AnchorID     string      `json:"anchor_id"`
	SnapshotETag string      `json:"snapshot_etag"`
	Vertices     []RawVertex `json:"vertices"`
	Edges        []RawEdge   `json:"edges,omitempty"`
}

// Expander is the bounded-hop neighborhood query interface.
type Expander interface {
	// Expand returns the hop-limited neighborhood around the anchor,
	// including the anchor vertex itself.
	Expand(ctx context.Context, anchorID string, hopLimit int) (*Neighborhood, error)

	// SnapshotETag returns the current corpus version without expanding
	// anything. Used to derive cache keys before deciding whether to fetch.
	SnapshotETag(ctx context.Context) (string, error)
}
