package store

import (
	"context"
	"sort"

	"github.com/storyloom/memtier/types"
)

// ShortTerm is the volatile working-set store. It keeps a bounded sliding
// window of recent chapters: when a write lands in a chapter that would
// push the number of distinct chapters past the window, the records of
// the oldest chapters are evicted.
type ShortTerm struct {
	*memCore
	window int
}

// NewShortTerm creates a short-term store with the given chapter window.
// A window of n keeps records from the n most recent chapters.
func NewShortTerm(window int) *ShortTerm {
	if window <= 0 {
		window = 10
	}
	return &ShortTerm{
		memCore: newMemCore(types.TierShort),
		window:  window,
	}
}

// Write upserts a record and slides the chapter window.
func (s *ShortTerm) Write(ctx context.Context, rec *types.MemoryRecord) error {
	if err := s.memCore.write(ctx, rec, nil); err != nil {
		return err
	}
	s.evictOverflow()
	return nil
}

// Window returns the configured chapter window.
func (s *ShortTerm) Window() int { return s.window }

// evictOverflow drops records from chapters that fell out of the window.
func (s *ShortTerm) evictOverflow() {
	s.mu.RLock()
	chapters := make(map[int]bool)
	for _, rec := range s.records {
		chapters[rec.Chapter] = true
	}
	if len(chapters) <= s.window {
		s.mu.RUnlock()
		return
	}

	ordered := make([]int, 0, len(chapters))
	for ch := range chapters {
		ordered = append(ordered, ch)
	}
	sort.Ints(ordered)
	cutoff := ordered[len(ordered)-s.window]

	var evict []string
	for id, rec := range s.records {
		if rec.Chapter < cutoff {
			evict = append(evict, id)
		}
	}
	s.mu.RUnlock()

	s.remove(evict)
}
