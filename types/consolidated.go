package types

import "time"

// RecordRef identifies one record that contributed to a consolidated view.
type RecordRef struct {
	Tier     Tier   `json:"tier"`
	RecordID string `json:"record_id"`
	Version  int    `json:"version"`
}

// FieldConflict records a field whose values could not be reconciled
// during consolidation. Conflicts are reported, never silently dropped.
type FieldConflict struct {
	// Field is the payload field name.
	Field string `json:"field"`

	// Values holds every distinct value observed across tiers.
	Values []string `json:"values"`

	// Resolution describes which value won and why, e.g.
	// "kept locked long-term value".
	Resolution string `json:"resolution"`
}

// ConsolidatedEntity is the canonical read-time view of one logical
// entity merged across tiers. It is derived, not a tier record, unless
// explicitly written back by a consolidation run.
type ConsolidatedEntity struct {
	// EntityID is the logical entity the view was resolved for.
	EntityID string `json:"entity_id"`

	// Kind is the entity kind of the canonical payload.
	Kind EntityKind `json:"kind"`

	// Canonical is the merged payload. Deterministic for a fixed set of
	// contributing records.
	Canonical Payload `json:"-"`

	// Contributing lists the records the view was derived from, ordered
	// by tier priority descending then update time descending.
	Contributing []RecordRef `json:"contributing"`

	// Conflicts lists fields with irreconcilable values.
	Conflicts []FieldConflict `json:"conflicts,omitempty"`

	// Degraded is set when one or more tiers were unreachable during
	// resolution; DegradedTiers names them.
	Degraded      bool   `json:"degraded,omitempty"`
	DegradedTiers []Tier `json:"degraded_tiers,omitempty"`

	// ResolvedAt is when the view was computed.
	ResolvedAt time.Time `json:"resolved_at"`
}

// LatestUpdate returns the most recent update time among contributing
// records, or the zero time when nothing contributed.
func (c *ConsolidatedEntity) LatestUpdate(records []MemoryRecord) time.Time {
	var latest time.Time
	for _, r := range records {
		if r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	return latest
}

// AuditEntry records one write-back consolidation for reproducibility.
type AuditEntry struct {
	Timestamp             time.Time `json:"timestamp"`
	EntityID              string    `json:"entity_id"`
	ContributingRecordIDs []string  `json:"contributing_record_ids"`
	ConflictsResolved     int       `json:"conflicts_resolved"`
}
