package memtier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/memtier/config"
	"github.com/storyloom/memtier/store"
	"github.com/storyloom/memtier/types"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	engine, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func writeAlice(t *testing.T, e *Engine, chapter int, mood string) *types.MemoryRecord {
	t.Helper()
	rec := types.NewRecord(types.TierShort, &types.CharacterPayload{
		Name: "Alice", Role: "MAIN", Mood: mood,
	}, "e-alice")
	rec.Chapter = chapter
	require.NoError(t, e.Write(context.Background(), rec))
	return rec
}

func TestNewDefaults(t *testing.T) {
	engine := newTestEngine(t)
	assert.NotNil(t, engine)

	status := engine.TierStatus(context.Background())
	assert.Len(t, status, 3)
	for _, tier := range types.AllTiers() {
		assert.Equal(t, 0, status[tier].Count)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TTL.ShortTermMs = 10_000
	cfg.TTL.MidTermMs = 5_000 // violates short < mid

	_, err := New(WithConfig(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, config.ErrInvalid)

	var structured *Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, KindConfiguration, structured.Kind)
}

func TestNewMissingConfigFile(t *testing.T) {
	_, err := New(WithConfigFile("/nonexistent/memtier.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	rec := writeAlice(t, engine, 1, "curious")

	got, err := engine.Read(ctx, types.TierShort, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "e-alice", got.EntityID)
	assert.Equal(t, "curious", got.Payload.(*types.CharacterPayload).Mood)

	t.Run("unknown tier rejected", func(t *testing.T) {
		_, err := engine.Read(ctx, "archival", rec.ID)
		assert.ErrorIs(t, err, &Error{Kind: KindValidation})
	})

	t.Run("nil record rejected", func(t *testing.T) {
		err := engine.Write(ctx, nil)
		assert.ErrorIs(t, err, &Error{Kind: KindValidation})
	})
}

func TestWriteInvalidatesCachedQueries(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	writeAlice(t, engine, 1, "curious")
	req := types.QueryRequest{Keyword: "alice", UseCache: true}

	warm, err := engine.Query(ctx, req)
	require.NoError(t, err)
	require.Len(t, warm.Hits, 1)

	cached, err := engine.Query(ctx, req)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)

	// A write to the entity drops its cached results before returning.
	writeAlice(t, engine, 2, "alarmed")

	fresh, err := engine.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, fresh.FromCache, "read after write sees the new state")
}

func TestPromotionLifecycle(t *testing.T) {
	ctx := context.Background()
	// Records must exceed the promotion age gate; run the engine clock
	// ahead of the wall clock.
	future := time.Now().Add(time.Hour)
	engine := newTestEngine(t, WithClock(func() time.Time { return future }))

	writeAlice(t, engine, 1, "curious")
	summary := types.NewRecord(types.TierShort, &types.ChapterSummaryPayload{
		Chapter: 1,
		Title:   "Down the Rabbit Hole",
		Summary: "Alice follows the white rabbit",
	}, "")
	summary.Chapter = 1
	require.NoError(t, engine.Write(ctx, summary))

	stats, err := engine.PromoteOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ShortConsumed)
	assert.Equal(t, 1, stats.EntitiesPromoted)
	assert.Equal(t, 1, stats.AggregatesEmitted)

	status := engine.TierStatus(ctx)
	assert.Equal(t, 2, status[types.TierMid].Count)

	t.Run("promotion is idempotent", func(t *testing.T) {
		again, err := engine.PromoteOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, again.ShortConsumed)
	})
}

func TestConsolidateLifecycle(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	longRec := types.NewRecord(types.TierLong, &types.CharacterPayload{
		Name: "Alice", Role: "MAIN",
	}, "e-alice")
	longRec.Locked = true
	require.NoError(t, engine.Write(ctx, longRec))

	time.Sleep(2 * time.Millisecond)
	midRec := types.NewRecord(types.TierMid, &types.CharacterPayload{
		Name: "Alice", Role: "SUB", Mood: "weary",
	}, "e-alice")
	require.NoError(t, engine.Write(ctx, midRec))

	view, err := engine.Consolidate(ctx, "e-alice")
	require.NoError(t, err)
	assert.Equal(t, "MAIN", view.Canonical.(*types.CharacterPayload).Role)
	require.Len(t, view.Conflicts, 1)

	entries, err := engine.AuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e-alice", entries[0].EntityID)

	t.Run("missing entity", func(t *testing.T) {
		_, err := engine.Consolidate(ctx, "e-missing")
		assert.ErrorIs(t, err, &Error{Kind: KindConflictUnresolved})
		assert.ErrorIs(t, err, ErrConflictUnresolved)
	})

	t.Run("expired context", func(t *testing.T) {
		dead, cancel := context.WithCancel(ctx)
		cancel()
		_, err := engine.Query(dead, types.QueryRequest{Keyword: "alice"})
		assert.ErrorIs(t, err, ErrQueryTimeout)
	})
}

// downStore refuses every operation.
type downStore struct{}

func (d *downStore) Tier() types.Tier { return types.TierLong }
func (d *downStore) Write(context.Context, *types.MemoryRecord) error {
	return store.ErrUnavailable
}
func (d *downStore) Read(context.Context, string) (*types.MemoryRecord, error) {
	return nil, store.ErrUnavailable
}
func (d *downStore) QueryByKind(context.Context, types.EntityKind, store.Filter) ([]types.MemoryRecord, error) {
	return nil, store.ErrUnavailable
}
func (d *downStore) QueryByEntity(context.Context, string) ([]types.MemoryRecord, error) {
	return nil, store.ErrUnavailable
}
func (d *downStore) MarkPromoted(context.Context, []string, time.Time) error {
	return store.ErrUnavailable
}
func (d *downStore) Status(context.Context) (store.Status, error) {
	return store.Status{}, store.ErrUnavailable
}

func TestQueryDegradesWhenLongTermDown(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, WithLongTermStore(&downStore{}))

	writeAlice(t, engine, 1, "curious")

	res, err := engine.Query(ctx, types.QueryRequest{Keyword: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Warnings, "long-term tier unreachable")
	require.Len(t, res.Hits, 1)

	t.Run("write to the dead tier surfaces tier unavailable", func(t *testing.T) {
		rec := types.NewRecord(types.TierLong, &types.CharacterPayload{Name: "Bea"}, "")
		err := engine.Write(ctx, rec)
		assert.ErrorIs(t, err, &Error{Kind: KindTierUnavailable})
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})
}

func TestDiagnoseThroughEngine(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	writeAlice(t, engine, 1, "curious")

	_, ok := engine.LastReport()
	assert.False(t, ok, "no sample before first Diagnose")

	report := engine.Diagnose(ctx)
	assert.Equal(t, 1.0, report.SystemStability)
	assert.Equal(t, 1, report.TierCounts[types.TierShort])

	last, ok := engine.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.SampledAt, last.SampledAt)
}

func TestBackgroundSchedulers(t *testing.T) {
	cfg := config.Default()
	cfg.ConsolidationIntervalMs = 5
	cfg.Quality.SampleIntervalMs = 5

	future := time.Now().Add(time.Hour)
	engine, err := New(WithConfig(cfg), WithClock(func() time.Time { return future }))
	require.NoError(t, err)

	writeAlice(t, engine, 1, "curious")
	engine.Start(context.Background())

	require.Eventually(t, func() bool {
		if _, ok := engine.LastReport(); !ok {
			return false
		}
		return engine.TierStatus(context.Background())[types.TierMid].Count > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Close())
}

func TestCloseIdempotentAndFinal(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	ctx := context.Background()
	err = engine.Write(ctx, types.NewRecord(types.TierShort, &types.CharacterPayload{Name: "A"}, ""))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = engine.Query(ctx, types.QueryRequest{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = engine.Read(ctx, types.TierShort, "id")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCacheStatsExposed(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	writeAlice(t, engine, 1, "curious")

	req := types.QueryRequest{Keyword: "alice", UseCache: true}
	_, err := engine.Query(ctx, req)
	require.NoError(t, err)
	_, err = engine.Query(ctx, req)
	require.NoError(t, err)

	stats := engine.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Size)
}
