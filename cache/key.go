package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// KeyParts are the inputs the composite cache key is a pure function of.
// Any change to the corpus version or the resolved policy changes the key,
// so stale entries are unreachable by construction and no invalidation code
// path exists.
type KeyParts struct {
	DecisionID   string `json:"decision_id"`
	Intent       string `json:"intent"`
	GraphScope   string `json:"graph_scope"`
	SnapshotETag string `json:"snapshot_etag"`
	PolicyKey    string `json:"policy_key"`
}

// CompositeKey derives the deterministic cache key for the parts.
func CompositeKey(parts KeyParts) (string, error) {
	if parts.DecisionID == "" || parts.SnapshotETag == "" || parts.PolicyKey == "" {
		return "", fmt.Errorf("decision_id, snapshot_etag, and policy_key are required")
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("marshal key parts: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize key parts: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "composite." + hex.EncodeToString(sum[:]), nil
}

// AliasKey derives the KV key for the anchor alias record. Anchor IDs may
// contain characters a KV key cannot, so the ID is hashed.
func AliasKey(anchorID string) string {
	sum := sha256.Sum256([]byte(anchorID))
	return "alias." + hex.EncodeToString(sum[:])
}
