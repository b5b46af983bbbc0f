package store

import (
	"context"
	"time"

	"github.com/storyloom/memtier/types"
)

// MidTerm holds consolidated per-arc aggregates produced by promoting
// short-term data. Eviction is explicit, by age plus redundancy: an
// aggregate becomes eligible once it is older than the configured age
// and a newer aggregate for the same entity exists.
type MidTerm struct {
	*memCore
}

// NewMidTerm creates an empty mid-term store.
func NewMidTerm() *MidTerm {
	return &MidTerm{memCore: newMemCore(types.TierMid)}
}

// Write upserts a record into the mid-term tier.
func (s *MidTerm) Write(ctx context.Context, rec *types.MemoryRecord) error {
	return s.memCore.write(ctx, rec, nil)
}

// EvictAged removes aggregates older than maxAge that are redundant:
// a newer record for the same entity exists in this tier. The newest
// record per entity is always kept regardless of age. Returns the number
// of evicted records.
func (s *MidTerm) EvictAged(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)

	s.mu.RLock()
	newest := make(map[string]time.Time)
	for _, rec := range s.records {
		if rec.UpdatedAt.After(newest[rec.EntityID]) {
			newest[rec.EntityID] = rec.UpdatedAt
		}
	}
	var evict []string
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) && rec.UpdatedAt.Before(newest[rec.EntityID]) {
			evict = append(evict, id)
		}
	}
	s.mu.RUnlock()

	s.remove(evict)
	return len(evict), nil
}
