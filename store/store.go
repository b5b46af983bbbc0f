// Package store implements the three tiered stores, the promotion cycle
// that moves data between them, and the consolidation audit log.
//
// Each tier owns its records exclusively. Reads are concurrent; writes to
// one entity key within a tier are serialized while writes to distinct
// keys proceed in parallel. Cross-tier ordering is not guaranteed:
// promotion may lag short-term writes, which is an accepted
// eventual-consistency property.
package store

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/storyloom/memtier/types"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrWrongTier is returned when a record is written to a store that
	// does not own its tier.
	ErrWrongTier = errors.New("store: record belongs to a different tier")

	// ErrUnavailable is returned when the backing storage is unreachable.
	// Callers degrade rather than fail: the resolver and the query
	// service turn this into a warning, never a hard error.
	ErrUnavailable = errors.New("store: tier unavailable")
)

// Filter narrows a QueryByKind call.
type Filter struct {
	// EntityID restricts results to one logical entity.
	EntityID string

	// Unpromoted selects only records without a promotion watermark.
	Unpromoted bool

	// MaxUpdatedAt selects records last updated at or before this time.
	// Zero means no bound. Promotion uses this as its age gate.
	MaxUpdatedAt time.Time
}

// matches reports whether a record passes the filter.
func (f Filter) matches(r *types.MemoryRecord) bool {
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.Unpromoted && r.Promoted() {
		return false
	}
	if !f.MaxUpdatedAt.IsZero() && r.UpdatedAt.After(f.MaxUpdatedAt) {
		return false
	}
	return true
}

// Status summarizes a tier for diagnostics.
type Status struct {
	Count      int       `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

// Store is the contract every tier implements.
//
// Write upserts by record ID: a new ID is stored at version 1, an
// existing ID replaces the payload and increments the version. Returned
// records are deep copies; mutating them does not affect the store.
type Store interface {
	// Tier returns the tier this store owns.
	Tier() types.Tier

	// Write upserts a record. The record's Tier must match the store.
	Write(ctx context.Context, rec *types.MemoryRecord) error

	// Read returns the record with the given ID, or ErrNotFound.
	Read(ctx context.Context, id string) (*types.MemoryRecord, error)

	// QueryByKind returns records of the given kind passing the filter.
	// An empty kind matches every kind.
	QueryByKind(ctx context.Context, kind types.EntityKind, filter Filter) ([]types.MemoryRecord, error)

	// QueryByEntity returns every record for one logical entity.
	QueryByEntity(ctx context.Context, entityID string) ([]types.MemoryRecord, error)

	// MarkPromoted stamps the promotion watermark on the given records.
	// Stamping an already-promoted record is a no-op, which is what makes
	// re-running a promotion cycle idempotent.
	MarkPromoted(ctx context.Context, ids []string, at time.Time) error

	// Status reports record count and last update time.
	Status(ctx context.Context) (Status, error)
}

// keyLocks serializes writes per entity key with a fixed set of striped
// mutexes. Distinct keys nearly always map to distinct stripes and
// proceed concurrently.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m
}

// memCore is the shared in-memory record arena used by the three tier
// stores. Records are indexed by ID with a secondary entity index; all
// access goes through the Store methods, never through raw maps.
type memCore struct {
	tier types.Tier

	mu       sync.RWMutex
	records  map[string]*types.MemoryRecord
	byEntity map[string][]string

	writes keyLocks

	lastUpdate time.Time
}

func newMemCore(tier types.Tier) *memCore {
	return &memCore{
		tier:     tier,
		records:  make(map[string]*types.MemoryRecord),
		byEntity: make(map[string][]string),
	}
}

func (c *memCore) Tier() types.Tier { return c.tier }

// write performs the upsert under the per-key lock. onExisting, when non
// nil, lets a tier adjust the incoming record against the stored one
// (the long-term store preserves the Locked flag this way).
func (c *memCore) write(ctx context.Context, rec *types.MemoryRecord, onExisting func(existing, incoming *types.MemoryRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Tier != c.tier {
		return ErrWrongTier
	}

	keyLock := c.writes.lock(rec.EntityID)
	defer keyLock.Unlock()

	stored := rec.Clone()
	now := time.Now().UTC()
	stored.UpdatedAt = now

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.records[rec.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.Version = existing.Version + 1
		if existing.EntityID != stored.EntityID {
			c.moveEntityIndex(rec.ID, existing.EntityID, stored.EntityID)
		}
		if onExisting != nil {
			onExisting(existing, stored)
		}
	} else {
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.Version == 0 {
			stored.Version = 1
		}
		c.byEntity[stored.EntityID] = append(c.byEntity[stored.EntityID], stored.ID)
	}
	c.records[stored.ID] = stored
	c.lastUpdate = now
	return nil
}

// moveEntityIndex re-files a record ID when an upsert hands the record
// to a different entity, so QueryByEntity stays consistent for both.
func (c *memCore) moveEntityIndex(id, from, to string) {
	ids := c.byEntity[from]
	for i, v := range ids {
		if v == id {
			c.byEntity[from] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.byEntity[from]) == 0 {
		delete(c.byEntity, from)
	}
	c.byEntity[to] = append(c.byEntity[to], id)
}

func (c *memCore) Read(ctx context.Context, id string) (*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (c *memCore) QueryByKind(ctx context.Context, kind types.EntityKind, filter Filter) ([]types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.MemoryRecord
	for _, rec := range c.records {
		if kind != "" && rec.Kind != kind {
			continue
		}
		if !filter.matches(rec) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	return out, nil
}

func (c *memCore) QueryByEntity(ctx context.Context, entityID string) ([]types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byEntity[entityID]
	out := make([]types.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.records[id]; ok {
			out = append(out, *rec.Clone())
		}
	}
	return out, nil
}

func (c *memCore) MarkPromoted(ctx context.Context, ids []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		rec, ok := c.records[id]
		if !ok || rec.Promoted() {
			continue
		}
		t := at
		rec.PromotedAt = &t
	}
	return nil
}

func (c *memCore) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{Count: len(c.records), LastUpdate: c.lastUpdate}, nil
}

// remove deletes records by ID. Only tier-local eviction calls this;
// there is no public delete.
func (c *memCore) remove(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		rec, ok := c.records[id]
		if !ok {
			continue
		}
		delete(c.records, id)
		entityIDs := c.byEntity[rec.EntityID]
		for i, eid := range entityIDs {
			if eid == id {
				c.byEntity[rec.EntityID] = append(entityIDs[:i], entityIDs[i+1:]...)
				break
			}
		}
		if len(c.byEntity[rec.EntityID]) == 0 {
			delete(c.byEntity, rec.EntityID)
		}
	}
}
