// Package resolver reconciles divergent copies of the same logical
// entity across the three tiers into one canonical view.
//
// Resolution is a read-time operation: it never mutates the stores. An
// explicit Consolidate call persists the canonical view back into the
// long-term tier as a new version and records the merge in the audit
// log.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/storyloom/memtier/store"
	"github.com/storyloom/memtier/types"
)

// ErrNoRecords is returned when no tier holds any record for the
// requested entity.
var ErrNoRecords = errors.New("resolver: no records for entity")

// Options configures a Resolver.
type Options struct {
	// SimilarityThreshold gates fuzzy duplicate matching for records
	// lacking explicit entity linkage. Defaults to 0.8. A heuristic
	// constant carried over from tuning, not a correctness guarantee.
	SimilarityThreshold float64

	// Audit receives an entry for every write-back consolidation.
	// Defaults to an in-memory log.
	Audit store.AuditLog

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Resolver reads across all tiers and produces one canonical view per
// entity.
type Resolver struct {
	stores    []store.Store
	threshold float64
	audit     store.AuditLog
	logger    *slog.Logger

	// conflictsSeen counts conflict entries produced since construction;
	// diagnostics samples it.
	conflictsSeen atomic.Int64
}

// New creates a Resolver over the given tier stores.
func New(stores []store.Store, opts Options) *Resolver {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.8
	}
	if opts.Audit == nil {
		opts.Audit = store.NewMemoryAuditLog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		stores:    stores,
		threshold: opts.SimilarityThreshold,
		audit:     opts.Audit,
		logger:    opts.Logger,
	}
}

// ConflictCount returns the number of conflict entries produced since
// construction.
func (r *Resolver) ConflictCount() int64 {
	return r.conflictsSeen.Load()
}

// Resolve produces the canonical view for one entity.
//
// Candidates are collected from every tier by exact entity ID, then
// widened with a fuzzy pass: same-kind records whose normalized name
// similarity exceeds the threshold join the group even without explicit
// linkage. An unreachable tier degrades the result (Degraded=true, tier
// named) instead of failing it; resolution only errors when no tier
// holds any record at all.
func (r *Resolver) Resolve(ctx context.Context, entityID string) (types.ConsolidatedEntity, error) {
	records, degraded := r.collect(ctx, entityID)
	if len(records) == 0 {
		if len(degraded) > 0 {
			// Every record may live behind the unreachable tier; report
			// an empty degraded view rather than an error.
			return types.ConsolidatedEntity{
				EntityID:      entityID,
				Degraded:      true,
				DegradedTiers: degraded,
				ResolvedAt:    time.Now().UTC(),
			}, nil
		}
		return types.ConsolidatedEntity{}, fmt.Errorf("%w: %s", ErrNoRecords, entityID)
	}

	canonical, conflicts := mergeRecords(records)
	r.conflictsSeen.Add(int64(len(conflicts)))

	ordered := make([]types.MemoryRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Tier.Priority() != b.Tier.Priority() {
			return a.Tier.Priority() > b.Tier.Priority()
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	refs := make([]types.RecordRef, len(ordered))
	for i, rec := range ordered {
		refs[i] = types.RecordRef{Tier: rec.Tier, RecordID: rec.ID, Version: rec.Version}
	}

	return types.ConsolidatedEntity{
		EntityID:      entityID,
		Kind:          canonical.Kind(),
		Canonical:     canonical,
		Contributing:  refs,
		Conflicts:     conflicts,
		Degraded:      len(degraded) > 0,
		DegradedTiers: degraded,
		ResolvedAt:    time.Now().UTC(),
	}, nil
}

// collect gathers candidate records by exact entity ID from every tier,
// then widens the group with fuzzy name matches.
func (r *Resolver) collect(ctx context.Context, entityID string) ([]types.MemoryRecord, []types.Tier) {
	var records []types.MemoryRecord
	var degraded []types.Tier

	for _, s := range r.stores {
		recs, err := s.QueryByEntity(ctx, entityID)
		if err != nil {
			r.logger.Warn("tier unreachable during resolution",
				"tier", s.Tier().String(), "entity_id", entityID, "error", err)
			degraded = append(degraded, s.Tier())
			continue
		}
		records = append(records, recs...)
	}
	if len(records) == 0 {
		return records, degraded
	}

	records = append(records, r.fuzzyMatches(ctx, records)...)
	return records, degraded
}

// fuzzyMatches scans the tiers for same-kind records with a different
// entity ID whose normalized name similarity to the group exceeds the
// threshold. Tiers that already degraded are skipped silently; the
// degradation is reported once by collect.
func (r *Resolver) fuzzyMatches(ctx context.Context, group []types.MemoryRecord) []types.MemoryRecord {
	name := ""
	kind := group[0].Kind
	for _, rec := range group {
		if n := rec.Payload.EntityName(); n != "" {
			name = n
			break
		}
	}
	if name == "" {
		return nil
	}

	known := make(map[string]bool, len(group))
	for _, rec := range group {
		known[rec.ID] = true
	}
	groupEntity := group[0].EntityID

	var out []types.MemoryRecord
	for _, s := range r.stores {
		candidates, err := s.QueryByKind(ctx, kind, store.Filter{})
		if err != nil {
			continue
		}
		for _, cand := range candidates {
			if known[cand.ID] || cand.EntityID == groupEntity {
				continue
			}
			candName := cand.Payload.EntityName()
			if candName == "" {
				continue
			}
			if similarity(name, candName) > r.threshold {
				known[cand.ID] = true
				out = append(out, cand)
			}
		}
	}
	return out
}

// Consolidate resolves the entity and persists the canonical view back
// to the long-term store as a new version, recording the merge in the
// audit log. Returns the persisted view.
func (r *Resolver) Consolidate(ctx context.Context, entityID string) (types.ConsolidatedEntity, error) {
	view, err := r.Resolve(ctx, entityID)
	if err != nil {
		return types.ConsolidatedEntity{}, err
	}
	if view.Canonical == nil {
		return view, fmt.Errorf("%w: %s", ErrNoRecords, entityID)
	}

	long := r.longStore()
	if long == nil {
		return view, errors.New("resolver: no long-term store configured")
	}

	target := types.NewRecord(types.TierLong, view.Canonical.Clone(), entityID)
	if existing, err := long.QueryByEntity(ctx, entityID); err == nil && len(existing) > 0 {
		target.ID = existing[0].ID
		target.Locked = existing[0].Locked
		target.CreatedAt = existing[0].CreatedAt
	}
	if err := long.Write(ctx, target); err != nil {
		return view, fmt.Errorf("resolver: write back consolidation: %w", err)
	}

	ids := make([]string, len(view.Contributing))
	for i, ref := range view.Contributing {
		ids[i] = ref.RecordID
	}
	entry := types.AuditEntry{
		Timestamp:             time.Now().UTC(),
		EntityID:              entityID,
		ContributingRecordIDs: ids,
		ConflictsResolved:     len(view.Conflicts),
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		// The consolidation itself succeeded; a lost audit entry is
		// logged, not fatal.
		r.logger.Warn("failed to append consolidation audit entry",
			"entity_id", entityID, "error", err)
	}
	return view, nil
}

func (r *Resolver) longStore() store.Store {
	for _, s := range r.stores {
		if s.Tier() == types.TierLong {
			return s
		}
	}
	return nil
}
