// Package selector ranks a sanitized candidate set exactly once with a
// deterministic score. Identical inputs always produce identical rankings.
package selector

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semgate/evidence"
)

// Well-known vertex fields consulted for scoring. Both are optional; missing
// values score neutrally.
const (
	FieldOccurredAt = "occurred_at"
	FieldImportance = "importance"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Selector scores and orders candidate vertices. The zero value is not
// usable; construct with New.
type Selector struct {
	now func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock overrides the time source used for recency when a candidate set
// carries no retrieval stamp. Stamped sets rank against their own
// RetrievedAt and never consult the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		s.now = now
	}
}

// New creates a selector.
func New(opts ...Option) *Selector {
	s := &Selector{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rank orders every vertex in the candidate set. The anchor is always rank 0.
// Remaining items are ordered by score descending, ties broken by ascending
// id. Recency is measured against the set's RetrievedAt stamp, so a set read
// back from the cache ranks exactly as it did when first built.
func (s *Selector) Rank(set *evidence.CandidateSet) []evidence.RankedItem {
	anchor := set.Anchor()
	if anchor == nil {
		return nil
	}
	anchorTokens := tokenize(anchor.Text())

	ref := set.RetrievedAt
	if ref.IsZero() {
		ref = s.now()
	}

	items := make([]evidence.RankedItem, 0, len(set.Vertices))
	var anchorItem evidence.RankedItem
	for _, v := range set.Vertices {
		item := evidence.RankedItem{
			Vertex: v,
			Score: evidence.Score{
				Similarity:  jaccard(anchorTokens, tokenize(v.Text())),
				RecencyDays: recencyDays(&v, ref),
				Importance:  importance(&v),
			},
		}
		if v.ID == set.AnchorID {
			anchorItem = item
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[j].Score.Less(items[i].Score)
		}
		return items[i].Vertex.ID < items[j].Vertex.ID
	})

	return append([]evidence.RankedItem{anchorItem}, items...)
}

// recencyDays returns whole days between the vertex occurrence and the
// reference time. Vertices without a parseable timestamp score as maximally
// stale.
func recencyDays(v *evidence.CandidateVertex, ref time.Time) int {
	raw, ok := v.Fields[FieldOccurredAt].(string)
	if !ok {
		return 1 << 20
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 1 << 20
	}
	days := int(ref.UTC().Sub(t.UTC()).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func importance(v *evidence.CandidateVertex) float64 {
	switch n := v.Fields[FieldImportance].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// tokenize lowercases and splits text into alphanumeric tokens.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tokens[tok] = true
	}
	return tokens
}

// jaccard computes |a ∩ b| / |a ∪ b| over token sets. Two empty sets score 0.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
