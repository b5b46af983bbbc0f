package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storyloom/memtier/types"
)

// PromotionStats summarizes one promotion cycle.
type PromotionStats struct {
	// ShortConsumed is the number of short-term records stamped with a
	// promotion watermark this cycle.
	ShortConsumed int `json:"short_consumed"`

	// EntitiesPromoted counts entity records copied into the mid-term
	// tier.
	EntitiesPromoted int `json:"entities_promoted"`

	// AggregatesEmitted counts AnalysisResult aggregates emitted into
	// the mid-term tier.
	AggregatesEmitted int `json:"aggregates_emitted"`

	// MidMerged counts mid-term records merged into the long-term tier.
	MidMerged int `json:"mid_merged"`

	// MidEvicted counts aged redundant mid-term aggregates removed.
	MidEvicted int `json:"mid_evicted"`
}

// Promoter moves data up the hierarchy: short-term records older than
// the configured age are aggregated into mid-term AnalysisResult records
// and per-entity copies, and aged mid-term records are merged into the
// long-term knowledge base.
//
// Promotion is idempotent. Every consumed source record is stamped with
// a watermark, and a cycle only ever consumes unstamped records, so
// re-running a cycle over an already-promoted batch is a no-op.
//
// The promoter owns no timer at construction. Callers either invoke
// PromoteOnce directly or start the cooperative scheduler with Start and
// stop it with Stop.
type Promoter struct {
	short Store
	mid   *MidTerm
	long  Store

	minAge    time.Duration
	midMaxAge time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PromoterOptions configures a Promoter.
type PromoterOptions struct {
	// MinAge is how old a short- or mid-term record must be before a
	// cycle consumes it.
	MinAge time.Duration

	// MidMaxAge is the age past which redundant mid-term aggregates are
	// evicted after each cycle.
	MidMaxAge time.Duration

	// Interval is the scheduler cadence for Start.
	Interval time.Duration

	// Logger receives cycle summaries. Defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewPromoter creates a promoter over the three tier stores.
func NewPromoter(short Store, mid *MidTerm, long Store, opts PromoterOptions) *Promoter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MidMaxAge <= 0 {
		opts.MidMaxAge = 24 * time.Hour
	}
	return &Promoter{
		short:     short,
		mid:       mid,
		long:      long,
		minAge:    opts.MinAge,
		midMaxAge: opts.MidMaxAge,
		interval:  opts.Interval,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// PromoteOnce runs one full promotion cycle: short to mid, mid to long,
// then mid-term eviction.
func (p *Promoter) PromoteOnce(ctx context.Context) (PromotionStats, error) {
	var stats PromotionStats

	if err := p.promoteShortToMid(ctx, &stats); err != nil {
		return stats, err
	}
	if err := p.promoteMidToLong(ctx, &stats); err != nil {
		return stats, err
	}

	evicted, err := p.mid.EvictAged(ctx, p.midMaxAge, p.now().UTC())
	if err != nil {
		return stats, err
	}
	stats.MidEvicted = evicted
	return stats, nil
}

// promoteShortToMid consumes eligible short-term records. Entity records
// (characters, world concepts, foreshadowing) are copied per entity into
// mid-term; chapter summaries are aggregated into one AnalysisResult per
// batch.
func (p *Promoter) promoteShortToMid(ctx context.Context, stats *PromotionStats) error {
	now := p.now().UTC()
	eligible := Filter{Unpromoted: true, MaxUpdatedAt: now.Add(-p.minAge)}

	records, err := p.short.QueryByKind(ctx, "", eligible)
	if err != nil {
		return fmt.Errorf("promote: scan short-term: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	var summaries []types.MemoryRecord
	byEntity := make(map[string][]types.MemoryRecord)
	for _, rec := range records {
		if rec.Kind == types.KindChapterSummary {
			summaries = append(summaries, rec)
			continue
		}
		byEntity[rec.EntityID] = append(byEntity[rec.EntityID], rec)
	}

	var consumed []string

	// Entity records: newest copy per entity moves up with provenance
	// intact via the shared EntityID.
	entityIDs := make([]string, 0, len(byEntity))
	for id := range byEntity {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)
	for _, entityID := range entityIDs {
		group := byEntity[entityID]
		sort.Slice(group, func(i, j int) bool {
			return group[i].UpdatedAt.After(group[j].UpdatedAt)
		})
		newest := group[0]

		promoted := types.NewRecord(types.TierMid, newest.Payload.Clone(), newest.EntityID)
		promoted.Chapter = newest.Chapter
		if err := p.mid.Write(ctx, promoted); err != nil {
			return fmt.Errorf("promote: write mid-term entity copy: %w", err)
		}
		stats.EntitiesPromoted++
		for _, rec := range group {
			consumed = append(consumed, rec.ID)
		}
	}

	// Chapter summaries: one aggregate spanning the batch.
	if len(summaries) > 0 {
		agg := p.aggregateSummaries(summaries)
		// A retried batch lands on the same aggregate record instead of
		// forking a duplicate.
		if prior, err := p.mid.QueryByEntity(ctx, agg.EntityID); err == nil && len(prior) > 0 {
			agg.ID = prior[0].ID
		}
		if err := p.mid.Write(ctx, agg); err != nil {
			return fmt.Errorf("promote: write mid-term aggregate: %w", err)
		}
		stats.AggregatesEmitted++
		for _, rec := range summaries {
			consumed = append(consumed, rec.ID)
		}
	}

	// Stamp sources last: if anything above failed we retry the whole
	// batch next cycle, and double-written aggregates are prevented by
	// the deterministic arc entity ID.
	if err := p.short.MarkPromoted(ctx, consumed, now); err != nil {
		return fmt.Errorf("promote: mark short-term watermarks: %w", err)
	}
	stats.ShortConsumed = len(consumed)
	return nil
}

// aggregateSummaries folds chapter summaries into one AnalysisResult.
// The aggregate's entity ID is derived from the chapter span so that a
// retried batch lands on the same mid-term entity instead of forking.
func (p *Promoter) aggregateSummaries(summaries []types.MemoryRecord) *types.MemoryRecord {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Chapter < summaries[j].Chapter
	})

	from := summaries[0].Chapter
	to := summaries[len(summaries)-1].Chapter

	var parts []string
	var sourceIDs []string
	for _, rec := range summaries {
		if sp, ok := rec.Payload.(*types.ChapterSummaryPayload); ok && sp.Summary != "" {
			parts = append(parts, sp.Summary)
		}
		sourceIDs = append(sourceIDs, rec.ID)
	}
	sort.Strings(sourceIDs)

	payload := &types.AnalysisResultPayload{
		Arc:             fmt.Sprintf("chapters %d-%d", from, to),
		Summary:         strings.Join(parts, " "),
		FromChapter:     from,
		ToChapter:       to,
		SourceRecordIDs: sourceIDs,
	}
	rec := types.NewRecord(types.TierMid, payload, fmt.Sprintf("arc-%d-%d", from, to))
	rec.Chapter = to
	return rec
}

// promoteMidToLong merges eligible mid-term records into the long-term
// tier. A long-term record for the same entity is updated in place;
// otherwise a new one is appended.
func (p *Promoter) promoteMidToLong(ctx context.Context, stats *PromotionStats) error {
	now := p.now().UTC()
	eligible := Filter{Unpromoted: true, MaxUpdatedAt: now.Add(-p.minAge)}

	records, err := p.mid.QueryByKind(ctx, "", eligible)
	if err != nil {
		return fmt.Errorf("promote: scan mid-term: %w", err)
	}

	var consumed []string
	for _, rec := range records {
		existing, err := p.long.QueryByEntity(ctx, rec.EntityID)
		if err != nil {
			return fmt.Errorf("promote: read long-term entity %s: %w", rec.EntityID, err)
		}

		target := types.NewRecord(types.TierLong, rec.Payload.Clone(), rec.EntityID)
		target.Chapter = rec.Chapter
		if len(existing) > 0 {
			// Merge onto the existing long-term record as a new version.
			target.ID = existing[0].ID
			target.Locked = existing[0].Locked
			target.CreatedAt = existing[0].CreatedAt
		}
		if err := p.long.Write(ctx, target); err != nil {
			return fmt.Errorf("promote: write long-term record: %w", err)
		}
		stats.MidMerged++
		consumed = append(consumed, rec.ID)
	}

	if err := p.mid.MarkPromoted(ctx, consumed, now); err != nil {
		return fmt.Errorf("promote: mark mid-term watermarks: %w", err)
	}
	return nil
}

// Start launches the cooperative scheduler. Cycles run every configured
// interval until Stop is called or the context is cancelled. Starting an
// already-running promoter is a no-op.
func (p *Promoter) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := p.PromoteOnce(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					p.logger.Warn("promotion cycle failed", "error", err)
					continue
				}
				p.logger.Debug("promotion cycle complete",
					"short_consumed", stats.ShortConsumed,
					"entities_promoted", stats.EntitiesPromoted,
					"aggregates_emitted", stats.AggregatesEmitted,
					"mid_merged", stats.MidMerged,
					"mid_evicted", stats.MidEvicted,
				)
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight cycle to finish.
// Stopping a promoter that was never started is a no-op.
func (p *Promoter) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
