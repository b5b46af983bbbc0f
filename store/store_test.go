package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/memtier/types"
)

func character(name, role string) *types.CharacterPayload {
	return &types.CharacterPayload{Name: name, Role: role}
}

func TestShortTermWriteRead(t *testing.T) {
	ctx := context.Background()
	s := NewShortTerm(5)

	rec := types.NewRecord(types.TierShort, character("Alice", "MAIN"), "")
	rec.Chapter = 1
	require.NoError(t, s.Write(ctx, rec))

	got, err := s.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Payload.(*types.CharacterPayload).Name)
	assert.Equal(t, 1, got.Version)

	_, err = s.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShortTermRejectsWrongTier(t *testing.T) {
	s := NewShortTerm(5)
	rec := types.NewRecord(types.TierLong, character("Alice", "MAIN"), "")
	err := s.Write(context.Background(), rec)
	assert.ErrorIs(t, err, ErrWrongTier)
}

func TestShortTermUpsertBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewShortTerm(5)

	rec := types.NewRecord(types.TierShort, character("Alice", "MAIN"), "")
	require.NoError(t, s.Write(ctx, rec))

	rec.Payload.(*types.CharacterPayload).Mood = "wary"
	require.NoError(t, s.Write(ctx, rec))

	got, err := s.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "wary", got.Payload.(*types.CharacterPayload).Mood)
}

func TestShortTermSlidingWindow(t *testing.T) {
	ctx := context.Background()
	s := NewShortTerm(3)

	ids := make(map[int]string)
	for ch := 1; ch <= 5; ch++ {
		rec := types.NewRecord(types.TierShort, &types.ChapterSummaryPayload{
			Chapter: ch,
			Summary: fmt.Sprintf("chapter %d events", ch),
		}, "")
		rec.Chapter = ch
		require.NoError(t, s.Write(ctx, rec))
		ids[ch] = rec.ID
	}

	// Chapters 1 and 2 fell out of the 3-chapter window.
	for _, ch := range []int{1, 2} {
		_, err := s.Read(ctx, ids[ch])
		assert.ErrorIs(t, err, ErrNotFound, "chapter %d should be evicted", ch)
	}
	for _, ch := range []int{3, 4, 5} {
		_, err := s.Read(ctx, ids[ch])
		assert.NoError(t, err, "chapter %d should survive", ch)
	}

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Count)
}

func TestConcurrentDistinctKeyWrites(t *testing.T) {
	// 100 concurrent writes to 100 distinct keys all succeed and are
	// each independently readable immediately afterward.
	ctx := context.Background()
	s := NewShortTerm(1000)

	const n = 100
	records := make([]*types.MemoryRecord, n)
	for i := range records {
		records[i] = types.NewRecord(types.TierShort, character(fmt.Sprintf("char-%d", i), "SUB"), "")
		records[i].Chapter = 1
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Write(ctx, records[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		got, err := s.Read(ctx, records[i].ID)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("char-%d", i), got.Payload.(*types.CharacterPayload).Name)
	}
}

func TestUpsertMovesRecordBetweenEntities(t *testing.T) {
	// Re-filing a record under a different entity must update the
	// entity index on both sides.
	ctx := context.Background()
	s := NewMidTerm()

	rec := types.NewRecord(types.TierMid, character("Alice", "MAIN"), "e-alice")
	require.NoError(t, s.Write(ctx, rec))

	moved := rec.Clone()
	moved.EntityID = "e-alice-canonical"
	require.NoError(t, s.Write(ctx, moved))

	old, err := s.QueryByEntity(ctx, "e-alice")
	require.NoError(t, err)
	assert.Empty(t, old, "old entity should no longer own the record")

	got, err := s.QueryByEntity(ctx, "e-alice-canonical")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, 2, got[0].Version)
}

func TestLongTermPreservesLock(t *testing.T) {
	ctx := context.Background()
	s := NewLongTerm()

	rec := types.NewRecord(types.TierLong, character("Alice", "MAIN"), "")
	rec.Locked = true
	require.NoError(t, s.Write(ctx, rec))

	// An upsert without the flag must not unlock the record.
	update := rec.Clone()
	update.Locked = false
	update.Payload.(*types.CharacterPayload).Mood = "triumphant"
	require.NoError(t, s.Write(ctx, update))

	got, err := s.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked)
	assert.Equal(t, "triumphant", got.Payload.(*types.CharacterPayload).Mood)
	assert.Equal(t, 2, got.Version)
}

func TestQueryByKindFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMidTerm()

	a := types.NewRecord(types.TierMid, character("Alice", "MAIN"), "e-alice")
	b := types.NewRecord(types.TierMid, &types.WorldConceptPayload{Name: "Ravenhold"}, "e-rh")
	require.NoError(t, s.Write(ctx, a))
	require.NoError(t, s.Write(ctx, b))

	chars, err := s.QueryByKind(ctx, types.KindCharacter, Filter{})
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "e-alice", chars[0].EntityID)

	all, err := s.QueryByKind(ctx, "", Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byEntity, err := s.QueryByEntity(ctx, "e-rh")
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, types.KindWorldConcept, byEntity[0].Kind)
}

func TestMarkPromotedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewShortTerm(10)

	rec := types.NewRecord(types.TierShort, character("Alice", "MAIN"), "")
	rec.Chapter = 1
	require.NoError(t, s.Write(ctx, rec))

	first := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkPromoted(ctx, []string{rec.ID}, first))

	// A second stamp must not move the watermark.
	require.NoError(t, s.MarkPromoted(ctx, []string{rec.ID}, first.Add(time.Hour)))

	got, err := s.Read(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PromotedAt)
	assert.True(t, first.Equal(*got.PromotedAt))

	// Promoted records no longer match an Unpromoted filter.
	remaining, err := s.QueryByKind(ctx, "", Filter{Unpromoted: true})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestMidTermEvictAged(t *testing.T) {
	ctx := context.Background()
	s := NewMidTerm()

	older := types.NewRecord(types.TierMid, &types.AnalysisResultPayload{Arc: "act one"}, "e-arc")
	require.NoError(t, s.Write(ctx, older))
	time.Sleep(2 * time.Millisecond)
	newer := types.NewRecord(types.TierMid, &types.AnalysisResultPayload{Arc: "act one revised"}, "e-arc")
	require.NoError(t, s.Write(ctx, newer))

	// Far-future clock: both records exceed the age bound, but only the
	// redundant older one may go.
	future := time.Now().UTC().Add(48 * time.Hour)
	evicted, err := s.EvictAged(ctx, time.Hour, future)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = s.Read(ctx, older.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Read(ctx, newer.ID)
	assert.NoError(t, err)
}
