package types

import (
	"sort"
	"strings"
	"time"
)

// Error codes annotated on query results. Tier and resolver failures are
// captured here rather than returned as errors past the query boundary.
const (
	// ErrCodeAllTiersFailed indicates every target tier was unreachable.
	ErrCodeAllTiersFailed = "ALL_TIERS_FAILED"

	// ErrCodeDeadlineExceeded indicates the request deadline expired
	// before all tiers answered.
	ErrCodeDeadlineExceeded = "DEADLINE_EXCEEDED"
)

// QueryRequest describes one read against the unified access API.
type QueryRequest struct {
	// Keyword is the search text. Matched against payload search text
	// with an overlap ratio.
	Keyword string `json:"keyword,omitempty"`

	// Kind restricts results to one entity kind. Empty means any kind.
	Kind EntityKind `json:"kind,omitempty"`

	// Tiers are the tiers to fan out to. Empty means all three.
	Tiers []Tier `json:"tiers,omitempty"`

	// UseCache allows the coordinator cache to satisfy the request.
	UseCache bool `json:"use_cache,omitempty"`

	// ForceRefresh bypasses the cache even when UseCache is set; the
	// fresh result still replaces the cached one.
	ForceRefresh bool `json:"force_refresh,omitempty"`

	// IncludeMetadata attaches per-hit provenance metadata.
	IncludeMetadata bool `json:"include_metadata,omitempty"`

	// Timeout bounds the whole query including fan-out. Zero means the
	// engine's configured default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// TargetTiers returns the tiers the request fans out to, defaulting to
// all three, deduplicated and in short/mid/long order.
func (r QueryRequest) TargetTiers() []Tier {
	if len(r.Tiers) == 0 {
		return AllTiers()
	}
	seen := make(map[Tier]bool, len(r.Tiers))
	out := make([]Tier, 0, len(r.Tiers))
	for _, t := range AllTiers() {
		for _, want := range r.Tiers {
			if want == t && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Signature returns the normalized cache key for the request: lowercased
// keyword tokens in sorted order, the kind, and the target tiers. Two
// requests that differ only in token order or letter case share a
// signature.
func (r QueryRequest) Signature() string {
	tokens := strings.Fields(strings.ToLower(r.Keyword))
	sort.Strings(tokens)

	tiers := r.TargetTiers()
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.String()
	}

	var b strings.Builder
	b.WriteString("q:")
	b.WriteString(strings.Join(tokens, "+"))
	b.WriteString("|k:")
	b.WriteString(string(r.Kind))
	b.WriteString("|t:")
	b.WriteString(strings.Join(names, ","))
	return b.String()
}

// QueryHit is one ranked result.
type QueryHit struct {
	// SourceTier is the highest-priority tier that contributed to the
	// hit after cross-tier merging.
	SourceTier Tier `json:"source_tier"`

	// Relevance is the combined keyword-overlap and recency score in
	// [0, 1].
	Relevance float64 `json:"relevance"`

	// Record is the merged record for the entity.
	Record MemoryRecord `json:"record"`

	// Metadata carries provenance when the request asked for it:
	// contributing tiers, conflict counts, degraded tiers.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryResult is the answer to one QueryRequest. Queries always return
// within their deadline with best-effort data; failures are expressed in
// Warnings and ErrCode, never as panics or errors past the API boundary.
type QueryResult struct {
	// Success is false only when every target tier failed.
	Success bool `json:"success"`

	// FromCache is set when the coordinator cache satisfied the request.
	FromCache bool `json:"from_cache,omitempty"`

	// Partial is set when the deadline expired or a tier failed and the
	// result holds only what completed.
	Partial bool `json:"partial,omitempty"`

	// Hits are ordered by relevance descending, ties broken by tier
	// priority (long > mid > short), then recency.
	Hits []QueryHit `json:"hits"`

	// Warnings names degraded tiers and other non-fatal conditions.
	Warnings []string `json:"warnings,omitempty"`

	// ErrCode is set alongside Success=false.
	ErrCode string `json:"err_code,omitempty"`
}

// SortHits orders hits by the ranking rule: relevance descending, ties by
// tier priority (long > mid > short), then by update recency.
func SortHits(hits []QueryHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Relevance != hits[j].Relevance {
			return hits[i].Relevance > hits[j].Relevance
		}
		pi, pj := hits[i].SourceTier.Priority(), hits[j].SourceTier.Priority()
		if pi != pj {
			return pi > pj
		}
		return hits[i].Record.UpdatedAt.After(hits[j].Record.UpdatedAt)
	})
}
