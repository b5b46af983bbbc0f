// Package memtier implements a tiered memory hierarchy for
// narrative-generation applications.
//
// Long-form story generation accumulates more state than any single
// context can hold: character sheets, world facts, foreshadowing
// ledgers, chapter summaries. memtier organizes that state into three
// tiers, distinguished by durability and time horizon:
//
//   - Short-term: a volatile sliding window over the most recent
//     chapters. Cheap to mutate, evicted as the window moves.
//   - Mid-term: per-arc aggregates produced by promoting short-term
//     records. Condensed, intermediate durability.
//   - Long-term: the durable knowledge base, in memory or Redis-backed.
//     Records merge and version; nothing is auto-deleted.
//
// # Core Operations
//
// The Engine is the single entry point:
//
//   - Write routes a record to its tier and invalidates cached results
//     for the record's entity.
//   - Query fans out to the target tiers, ranks hits by keyword overlap
//     and recency, collapses duplicate entities, and caches the result.
//   - Resolve computes the canonical cross-tier view of one entity;
//     Consolidate persists that view into the long-term tier with an
//     audit trail.
//   - PromoteOnce (or the background scheduler) moves aged short-term
//     records into mid-term aggregates and aged mid-term records into
//     the long-term base. Promotion is idempotent.
//   - Diagnose scores data integrity, stability, performance, and
//     efficiency, raising advisory issues below configured thresholds.
//
// # Degraded Operation
//
// An unreachable tier never fails a read: queries and resolutions
// return what the remaining tiers hold, annotated with warnings and
// degraded flags. Only an invalid configuration prevents the engine
// from constructing.
//
// # Getting Started
//
//	engine, err := memtier.New(
//	    memtier.WithConfigFile("memtier.yaml"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	rec := types.NewRecord(types.TierShort, &types.CharacterPayload{
//	    Name: "Alice",
//	    Role: "MAIN",
//	}, "")
//	rec.Chapter = 1
//	if err := engine.Write(ctx, rec); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := engine.Query(ctx, types.QueryRequest{
//	    Keyword:  "Alice",
//	    UseCache: true,
//	})
package memtier
