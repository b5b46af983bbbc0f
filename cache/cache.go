// Package cache provides the coordinator for query-result caching
// across the memory tiers.
//
// Entries live in per-tier buckets with independent TTLs: short-term
// results expire quickly because the underlying window moves every
// chapter, long-term results live longest. Each bucket is an LRU bounded
// by a per-bucket capacity; when the coordinator as a whole exceeds its
// total capacity, entries are shed from the lowest-priority bucket
// first, so long-term results survive pressure from chatty short-term
// queries.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/storyloom/memtier/types"
)

// State classifies a cache lookup.
type State string

const (
	// StateFresh means the entry exists and its TTL has not elapsed.
	StateFresh State = "fresh"

	// StateStale means the entry exists but its TTL elapsed. The value
	// is still returned so callers can serve it when the backing tier
	// is unreachable.
	StateStale State = "stale"

	// StateMiss means no usable entry exists.
	StateMiss State = "miss"
)

// Statistics is a point-in-time snapshot of coordinator counters.
type Statistics struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	HitRatio  float64 `json:"hit_ratio"`
	MissRatio float64 `json:"miss_ratio"`
}

// Options configures a Coordinator.
type Options struct {
	// TTLs maps each tier bucket to its entry lifetime. Buckets without
	// a TTL default to a minute.
	TTLs map[types.Tier]time.Duration

	// MaxPerBucket bounds each bucket's entry count. Defaults to 1000.
	MaxPerBucket int

	// MaxTotal bounds the coordinator across buckets. Zero means three
	// full buckets.
	MaxTotal int

	// Now is the clock, injectable for TTL tests. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type entry struct {
	key       string
	value     *types.QueryResult
	entityIDs []string
	expiresAt time.Time
}

// bucket is one per-tier LRU, front = most recently used. Follows the
// container/list pattern rather than pulling in an LRU dependency.
type bucket struct {
	order *list.List
	items map[string]*list.Element
}

func newBucket() *bucket {
	return &bucket{order: list.New(), items: make(map[string]*list.Element)}
}

// Coordinator is the tier-aware query cache. Safe for concurrent use.
// Invalidation is synchronous: once InvalidateEntity returns, no
// subsequent Get observes a result derived from the invalidated entity.
type Coordinator struct {
	mu       sync.Mutex
	buckets  map[types.Tier]*bucket
	byEntity map[string]map[types.Tier][]string

	ttls     map[types.Tier]time.Duration
	perCap   int
	totalCap int
	now      func() time.Time
	logger   *slog.Logger

	hits      int64
	misses    int64
	evictions int64

	hitCounter   metric.Int64Counter
	missCounter  metric.Int64Counter
	evictCounter metric.Int64Counter
}

// New creates a Coordinator with one bucket per tier.
func New(opts Options) *Coordinator {
	if opts.MaxPerBucket <= 0 {
		opts.MaxPerBucket = 1000
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = opts.MaxPerBucket * len(types.AllTiers())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTLs == nil {
		opts.TTLs = make(map[types.Tier]time.Duration)
	}

	meter := otel.Meter("memtier/cache")
	hitCounter, _ := meter.Int64Counter("memtier.cache.hits")
	missCounter, _ := meter.Int64Counter("memtier.cache.misses")
	evictCounter, _ := meter.Int64Counter("memtier.cache.evictions")

	c := &Coordinator{
		buckets:      make(map[types.Tier]*bucket),
		byEntity:     make(map[string]map[types.Tier][]string),
		ttls:         opts.TTLs,
		perCap:       opts.MaxPerBucket,
		totalCap:     opts.MaxTotal,
		now:          opts.Now,
		logger:       opts.Logger,
		hitCounter:   hitCounter,
		missCounter:  missCounter,
		evictCounter: evictCounter,
	}
	for _, tier := range types.AllTiers() {
		c.buckets[tier] = newBucket()
	}
	return c
}

func (c *Coordinator) ttlFor(tier types.Tier) time.Duration {
	if ttl, ok := c.ttls[tier]; ok && ttl > 0 {
		return ttl
	}
	return time.Minute
}

// Get looks up a key in the given tier bucket. A fresh entry counts as
// a hit; stale and missing lookups count as misses. Stale entries are
// returned alongside StateStale so callers can fall back to them when
// the backing tier is down; they are not evicted here.
func (c *Coordinator) Get(ctx context.Context, tier types.Tier, key string) (*types.QueryResult, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[tier]
	if !ok {
		c.miss(ctx)
		return nil, StateMiss
	}
	elem, ok := b.items[key]
	if !ok {
		c.miss(ctx)
		return nil, StateMiss
	}
	e := elem.Value.(*entry)
	if e.value == nil {
		// A nil payload means the entry was corrupted; treat it as a
		// miss and drop it so it cannot be served again.
		c.logger.Warn("evicting corrupt cache entry", "tier", tier.String(), "key", key)
		c.removeLocked(tier, b, elem)
		c.evictions++
		c.evictCounter.Add(ctx, 1)
		c.miss(ctx)
		return nil, StateMiss
	}
	if c.now().After(e.expiresAt) {
		c.miss(ctx)
		return e.value, StateStale
	}

	b.order.MoveToFront(elem)
	c.hits++
	c.hitCounter.Add(ctx, 1)
	return e.value, StateFresh
}

func (c *Coordinator) miss(ctx context.Context) {
	c.misses++
	c.missCounter.Add(ctx, 1)
}

// Put stores a query result under key in the given tier bucket.
// entityIDs lists the logical entities the result was derived from;
// InvalidateEntity uses them for write-through invalidation.
func (c *Coordinator) Put(ctx context.Context, tier types.Tier, key string, value *types.QueryResult, entityIDs []string) {
	if value == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[tier]
	if !ok {
		return
	}

	e := &entry{
		key:       key,
		value:     value,
		entityIDs: entityIDs,
		expiresAt: c.now().Add(c.ttlFor(tier)),
	}
	if elem, ok := b.items[key]; ok {
		c.unindexEntities(tier, elem.Value.(*entry))
		elem.Value = e
		b.order.MoveToFront(elem)
	} else {
		b.items[key] = b.order.PushFront(e)
	}
	c.indexEntities(tier, e)

	if b.order.Len() > c.perCap {
		c.evictOldest(ctx, tier, b)
	}
	for c.size() > c.totalCap {
		if !c.shedOne(ctx) {
			break
		}
	}
}

// Invalidate drops one key from one tier bucket.
func (c *Coordinator) Invalidate(ctx context.Context, tier types.Tier, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[tier]
	if !ok {
		return
	}
	if elem, ok := b.items[key]; ok {
		c.removeLocked(tier, b, elem)
	}
}

// InvalidateEntity drops every cached result derived from the given
// entity, across all buckets. Callers invoke it on the write path
// before acknowledging the write, which keeps reads after a write from
// observing the entity's pre-write state through the cache.
func (c *Coordinator) InvalidateEntity(ctx context.Context, entityID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	perTier, ok := c.byEntity[entityID]
	if !ok {
		return 0
	}
	dropped := 0
	for tier, keys := range perTier {
		b := c.buckets[tier]
		// removeLocked shrinks the index slice in place; iterate a
		// snapshot so no key is skipped.
		for _, key := range append([]string(nil), keys...) {
			if elem, ok := b.items[key]; ok {
				c.removeLocked(tier, b, elem)
				dropped++
			}
		}
	}
	delete(c.byEntity, entityID)
	return dropped
}

// Clear empties the named tier buckets, or every bucket when none are
// named.
func (c *Coordinator) Clear(tiers ...types.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(tiers) == 0 {
		tiers = types.AllTiers()
	}
	for _, tier := range tiers {
		if b, ok := c.buckets[tier]; ok {
			for _, elem := range b.items {
				c.unindexEntities(tier, elem.Value.(*entry))
			}
			c.buckets[tier] = newBucket()
		}
	}
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Statistics{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.size(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
		s.MissRatio = float64(s.Misses) / float64(total)
	}
	return s
}

func (c *Coordinator) size() int {
	n := 0
	for _, b := range c.buckets {
		n += b.order.Len()
	}
	return n
}

// shedOne evicts the LRU entry of the lowest-priority non-empty bucket.
func (c *Coordinator) shedOne(ctx context.Context) bool {
	for _, tier := range types.AllTiers() { // short, mid, long
		b := c.buckets[tier]
		if b.order.Len() > 0 {
			c.evictOldest(ctx, tier, b)
			return true
		}
	}
	return false
}

func (c *Coordinator) evictOldest(ctx context.Context, tier types.Tier, b *bucket) {
	oldest := b.order.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(tier, b, oldest)
	c.evictions++
	c.evictCounter.Add(ctx, 1)
}

func (c *Coordinator) removeLocked(tier types.Tier, b *bucket, elem *list.Element) {
	e := elem.Value.(*entry)
	b.order.Remove(elem)
	delete(b.items, e.key)
	c.unindexEntities(tier, e)
}

func (c *Coordinator) indexEntities(tier types.Tier, e *entry) {
	for _, id := range e.entityIDs {
		perTier, ok := c.byEntity[id]
		if !ok {
			perTier = make(map[types.Tier][]string)
			c.byEntity[id] = perTier
		}
		perTier[tier] = append(perTier[tier], e.key)
	}
}

func (c *Coordinator) unindexEntities(tier types.Tier, e *entry) {
	for _, id := range e.entityIDs {
		perTier, ok := c.byEntity[id]
		if !ok {
			continue
		}
		keys := perTier[tier]
		for i, k := range keys {
			if k == e.key {
				perTier[tier] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(perTier[tier]) == 0 {
			delete(perTier, tier)
		}
		if len(perTier) == 0 {
			delete(c.byEntity, id)
		}
	}
}
