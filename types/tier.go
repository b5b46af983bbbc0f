package types

import (
	"errors"
	"fmt"
)

// Tier identifies one of the three storage layers, distinguished by
// durability and time horizon.
type Tier string

const (
	// TierShort is the volatile working set of recent records.
	// Cheap mutation, bounded sliding window.
	TierShort Tier = "short"

	// TierMid holds consolidated per-arc aggregates produced by
	// promoting short-term data.
	TierMid Tier = "mid"

	// TierLong is the durable knowledge base. Append/merge only;
	// records are never auto-deleted.
	TierLong Tier = "long"
)

// ErrInvalidTier is returned when a Tier value is not one of the defined
// constants.
var ErrInvalidTier = errors.New("types: invalid tier")

// AllTiers returns the three tiers ordered short, mid, long.
func AllTiers() []Tier {
	return []Tier{TierShort, TierMid, TierLong}
}

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// IsValid reports whether the tier is one of the defined constants.
func (t Tier) IsValid() bool {
	switch t {
	case TierShort, TierMid, TierLong:
		return true
	default:
		return false
	}
}

// Validate returns an error if the tier is not valid.
func (t Tier) Validate() error {
	if !t.IsValid() {
		return fmt.Errorf("%w: %q (must be one of: short, mid, long)", ErrInvalidTier, t)
	}
	return nil
}

// Priority returns the ranking priority of the tier. Longer-horizon tiers
// rank higher when relevance scores tie: long > mid > short.
func (t Tier) Priority() int {
	switch t {
	case TierLong:
		return 3
	case TierMid:
		return 2
	case TierShort:
		return 1
	default:
		return 0
	}
}

// Next returns the tier a record is promoted into, and false for TierLong,
// which has no successor.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierShort:
		return TierMid, true
	case TierMid:
		return TierLong, true
	default:
		return "", false
	}
}
