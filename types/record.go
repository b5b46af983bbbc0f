package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors returned when validating records.
var (
	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("types: invalid record")
)

// MemoryRecord is the unit of storage. A record is owned by exactly one
// tier at any time; promotion creates a new record in the next tier
// without deleting the source.
type MemoryRecord struct {
	// ID is the record identifier. Records describing the same logical
	// entity across tiers share an EntityID, not an ID.
	ID string `json:"id"`

	// EntityID links divergent copies of the same logical entity across
	// tiers. Records with equal EntityID are merged by the resolver.
	EntityID string `json:"entity_id"`

	// Tier is the owning tier. Only that tier's writer mutates the record.
	Tier Tier `json:"tier"`

	// Kind discriminates the payload schema.
	Kind EntityKind `json:"kind"`

	// Payload holds the entity data for Kind.
	Payload Payload `json:"-"`

	// Chapter is the narrative sequence position the record was written
	// at. The short-term sliding window evicts by Chapter order.
	Chapter int `json:"chapter,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every mutation within the owning tier.
	Version int `json:"version"`

	// Locked marks a long-term record whose identity and mutable fields
	// win over newer copies from other tiers during consolidation.
	Locked bool `json:"locked,omitempty"`

	// PromotedAt is the promotion watermark. Nil until the record has
	// been consumed by a promotion run; a set watermark makes re-running
	// promotion over the record a no-op.
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
}

// NewRecord creates a record for the given tier with a fresh ID.
// If entityID is empty a new one is generated, making the record the
// first copy of a new logical entity.
func NewRecord(tier Tier, payload Payload, entityID string) *MemoryRecord {
	if entityID == "" {
		entityID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &MemoryRecord{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Tier:      tier,
		Kind:      payload.Kind(),
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// Validate checks the record invariants: a valid owning tier, a valid
// kind matching the payload, and non-empty identifiers.
func (r *MemoryRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if r.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidRecord)
	}
	if err := r.Tier.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := r.Kind.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Payload == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidRecord)
	}
	if r.Payload.Kind() != r.Kind {
		return fmt.Errorf("%w: kind %q does not match payload kind %q",
			ErrInvalidRecord, r.Kind, r.Payload.Kind())
	}
	return nil
}

// Promoted reports whether the record carries a promotion watermark.
func (r *MemoryRecord) Promoted() bool {
	return r.PromotedAt != nil
}

// Clone returns a deep copy of the record.
func (r *MemoryRecord) Clone() *MemoryRecord {
	c := *r
	if r.Payload != nil {
		c.Payload = r.Payload.Clone()
	}
	if r.PromotedAt != nil {
		t := *r.PromotedAt
		c.PromotedAt = &t
	}
	return &c
}

// recordJSON is the wire form of MemoryRecord. The payload is carried as
// raw JSON next to the kind discriminator so unknown kinds survive a
// round trip as RawPayload.
type recordJSON struct {
	ID         string          `json:"id"`
	EntityID   string          `json:"entity_id"`
	Tier       Tier            `json:"tier"`
	Kind       EntityKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Chapter    int             `json:"chapter,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Version    int             `json:"version"`
	Locked     bool            `json:"locked,omitempty"`
	PromotedAt *time.Time      `json:"promoted_at,omitempty"`
}

// MarshalJSON encodes the record with its payload under a kind
// discriminator.
func (r *MemoryRecord) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if r.Payload != nil {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("types: marshal payload: %w", err)
		}
		payload = data
	}
	return json.Marshal(recordJSON{
		ID:         r.ID,
		EntityID:   r.EntityID,
		Tier:       r.Tier,
		Kind:       r.Kind,
		Payload:    payload,
		Chapter:    r.Chapter,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Version:    r.Version,
		Locked:     r.Locked,
		PromotedAt: r.PromotedAt,
	})
}

// UnmarshalJSON decodes the record, selecting the payload variant from
// the kind discriminator. Unknown kinds decode into RawPayload.
func (r *MemoryRecord) UnmarshalJSON(data []byte) error {
	var wire recordJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.ID = wire.ID
	r.EntityID = wire.EntityID
	r.Tier = wire.Tier
	r.Kind = wire.Kind
	r.Chapter = wire.Chapter
	r.CreatedAt = wire.CreatedAt
	r.UpdatedAt = wire.UpdatedAt
	r.Version = wire.Version
	r.Locked = wire.Locked
	r.PromotedAt = wire.PromotedAt

	if len(wire.Payload) == 0 {
		r.Payload = nil
		return nil
	}
	payload := NewPayload(wire.Kind)
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return fmt.Errorf("types: unmarshal %s payload: %w", wire.Kind, err)
	}
	r.Payload = payload
	return nil
}
