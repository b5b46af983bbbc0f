package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/memtier/types"
)

// fakeClock is an injectable clock for TTL tests.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCache(clock *fakeClock, perBucket int) *Coordinator {
	return New(Options{
		TTLs: map[types.Tier]time.Duration{
			types.TierShort: 30 * time.Second,
			types.TierMid:   5 * time.Minute,
			types.TierLong:  30 * time.Minute,
		},
		MaxPerBucket: perBucket,
		Now:          clock.Now,
	})
}

func result(keys ...string) *types.QueryResult {
	return &types.QueryResult{Success: true, Warnings: keys}
}

func TestGetPutRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	want := result("r1")
	c.Put(ctx, types.TierShort, "q:alice", want, []string{"e-alice"})

	got, state := c.Get(ctx, types.TierShort, "q:alice")
	assert.Equal(t, StateFresh, state)
	assert.Same(t, want, got)

	_, state = c.Get(ctx, types.TierShort, "q:unknown")
	assert.Equal(t, StateMiss, state)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRatio)
	assert.Equal(t, 1, stats.Size)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	c.Put(ctx, types.TierShort, "q", result("r"), nil)

	// Freshness is monotone in time: once an entry goes stale it never
	// becomes fresh again without a new Put.
	for _, step := range []struct {
		advance time.Duration
		want    State
	}{
		{10 * time.Second, StateFresh},
		{15 * time.Second, StateFresh},
		{10 * time.Second, StateStale}, // 35s > 30s TTL
		{time.Hour, StateStale},
	} {
		clock.Advance(step.advance)
		got, state := c.Get(ctx, types.TierShort, "q")
		assert.Equal(t, step.want, state)
		assert.NotNil(t, got, "stale entries stay servable")
	}

	// A fresh Put resets the clock.
	c.Put(ctx, types.TierShort, "q", result("r2"), nil)
	_, state := c.Get(ctx, types.TierShort, "q")
	assert.Equal(t, StateFresh, state)
}

func TestPerTierTTLs(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	c.Put(ctx, types.TierShort, "q", result("s"), nil)
	c.Put(ctx, types.TierLong, "q", result("l"), nil)

	clock.Advance(2 * time.Minute)

	_, state := c.Get(ctx, types.TierShort, "q")
	assert.Equal(t, StateStale, state)
	_, state = c.Get(ctx, types.TierLong, "q")
	assert.Equal(t, StateFresh, state)
}

func TestLRUEvictionOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 3)

	for i := 1; i <= 3; i++ {
		c.Put(ctx, types.TierMid, fmt.Sprintf("q%d", i), result(), nil)
	}
	// Touch q1 so q2 becomes least recently used.
	_, state := c.Get(ctx, types.TierMid, "q1")
	require.Equal(t, StateFresh, state)

	c.Put(ctx, types.TierMid, "q4", result(), nil)

	_, state = c.Get(ctx, types.TierMid, "q2")
	assert.Equal(t, StateMiss, state, "least recently used entry evicted")
	_, state = c.Get(ctx, types.TierMid, "q1")
	assert.Equal(t, StateFresh, state)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestTotalPressureShedsShortBucketFirst(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := New(Options{
		TTLs:         map[types.Tier]time.Duration{},
		MaxPerBucket: 10,
		MaxTotal:     4,
		Now:          clock.Now,
	})

	c.Put(ctx, types.TierLong, "l1", result(), nil)
	c.Put(ctx, types.TierLong, "l2", result(), nil)
	c.Put(ctx, types.TierShort, "s1", result(), nil)
	c.Put(ctx, types.TierShort, "s2", result(), nil)
	c.Put(ctx, types.TierMid, "m1", result(), nil)

	// Over capacity by one: the short bucket pays first.
	_, state := c.Get(ctx, types.TierShort, "s1")
	assert.Equal(t, StateMiss, state)
	for _, key := range []string{"l1", "l2"} {
		_, state := c.Get(ctx, types.TierLong, key)
		assert.Equal(t, StateFresh, state, "long-term entries survive pressure")
	}
	_, state = c.Get(ctx, types.TierMid, "m1")
	assert.Equal(t, StateFresh, state)
}

func TestInvalidateEntity(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	c.Put(ctx, types.TierShort, "q-alice", result(), []string{"e-alice"})
	c.Put(ctx, types.TierLong, "q-alice-long", result(), []string{"e-alice", "e-bob"})
	c.Put(ctx, types.TierLong, "q-bob", result(), []string{"e-bob"})

	dropped := c.InvalidateEntity(ctx, "e-alice")
	assert.Equal(t, 2, dropped)

	_, state := c.Get(ctx, types.TierShort, "q-alice")
	assert.Equal(t, StateMiss, state)
	_, state = c.Get(ctx, types.TierLong, "q-alice-long")
	assert.Equal(t, StateMiss, state)
	_, state = c.Get(ctx, types.TierLong, "q-bob")
	assert.Equal(t, StateFresh, state, "unrelated entries untouched")

	assert.Equal(t, 0, c.InvalidateEntity(ctx, "e-alice"), "second invalidation is a no-op")
}

func TestInvalidateEntityDropsEveryKeyInBucket(t *testing.T) {
	// Several cached results in one bucket can all derive from the same
	// entity; invalidation must drop every one of them, not just the
	// first and last.
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	keys := []string{"q-1", "q-2", "q-3", "q-4"}
	for _, key := range keys {
		c.Put(ctx, types.TierShort, key, result(), []string{"e-alice"})
	}

	assert.Equal(t, len(keys), c.InvalidateEntity(ctx, "e-alice"))
	for _, key := range keys {
		_, state := c.Get(ctx, types.TierShort, key)
		assert.Equal(t, StateMiss, state, "key %s should be gone", key)
	}
	assert.Equal(t, 0, c.Stats().Size)
}

func TestInvalidateSingleKey(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	c.Put(ctx, types.TierMid, "q", result(), nil)
	c.Invalidate(ctx, types.TierMid, "q")

	_, state := c.Get(ctx, types.TierMid, "q")
	assert.Equal(t, StateMiss, state)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	c.Put(ctx, types.TierShort, "s", result(), nil)
	c.Put(ctx, types.TierLong, "l", result(), nil)

	c.Clear(types.TierShort)
	_, state := c.Get(ctx, types.TierShort, "s")
	assert.Equal(t, StateMiss, state)
	_, state = c.Get(ctx, types.TierLong, "l")
	assert.Equal(t, StateFresh, state)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCorruptEntryTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, 10)

	c.Put(ctx, types.TierMid, "q", result(), nil)
	// Corrupt the stored entry directly.
	c.mu.Lock()
	b := c.buckets[types.TierMid]
	b.items["q"].Value.(*entry).value = nil
	c.mu.Unlock()

	_, state := c.Get(ctx, types.TierMid, "q")
	assert.Equal(t, StateMiss, state)
	assert.Equal(t, 0, c.Stats().Size, "corrupt entry evicted")

	// The slot is reusable afterwards.
	c.Put(ctx, types.TierMid, "q", result("ok"), nil)
	_, state = c.Get(ctx, types.TierMid, "q")
	assert.Equal(t, StateFresh, state)
}
