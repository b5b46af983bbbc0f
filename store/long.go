package store

import (
	"context"

	"github.com/storyloom/memtier/types"
)

// LongTerm is the in-memory durable knowledge base: characters, world
// knowledge, history, and the foreshadowing ledger. Records are appended
// or merged, never auto-deleted, and a Locked record keeps its lock
// across upserts.
//
// For persistence across processes use NewRedisLongTerm, which implements
// the same contract on Redis.
type LongTerm struct {
	*memCore
}

// NewLongTerm creates an empty in-memory long-term store.
func NewLongTerm() *LongTerm {
	return &LongTerm{memCore: newMemCore(types.TierLong)}
}

// Write upserts a record. When the stored record is Locked, the lock
// survives the upsert even if the incoming record does not carry it.
func (s *LongTerm) Write(ctx context.Context, rec *types.MemoryRecord) error {
	return s.memCore.write(ctx, rec, func(existing, incoming *types.MemoryRecord) {
		if existing.Locked {
			incoming.Locked = true
		}
	})
}
