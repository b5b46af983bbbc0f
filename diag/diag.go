// Package diag computes quality scores for the memory hierarchy.
//
// A sampler periodically inspects tier status, resolver conflict
// counts, cache statistics, and query latency, and condenses them into
// four scores in [0, 1]. Scores below their configured thresholds raise
// advisory issues with recommendations. Diagnostics is strictly
// read-only: it never mutates a store, the cache, or the resolver.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/memtier/cache"
	"github.com/storyloom/memtier/config"
	"github.com/storyloom/memtier/store"
	"github.com/storyloom/memtier/types"
)

// Severity grades an issue by how far its score fell below threshold.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityFor maps the shortfall below a threshold to a severity grade.
func severityFor(deficit float64) Severity {
	switch {
	case deficit < 0.1:
		return SeverityLow
	case deficit < 0.25:
		return SeverityMedium
	case deficit < 0.5:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Issue is one advisory finding raised by a sample.
type Issue struct {
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
}

// Report is one point-in-time quality sample.
type Report struct {
	SampledAt time.Time `json:"sampled_at"`

	// The four quality scores, each in [0, 1].
	DataIntegrity         float64 `json:"data_integrity"`
	SystemStability       float64 `json:"system_stability"`
	Performance           float64 `json:"performance"`
	OperationalEfficiency float64 `json:"operational_efficiency"`

	// Raw signals backing the scores.
	TierCounts      map[types.Tier]int `json:"tier_counts"`
	UnreachableTier []types.Tier       `json:"unreachable_tiers,omitempty"`
	ConflictCount   int64              `json:"conflict_count"`
	CacheHitRatio   float64            `json:"cache_hit_ratio"`
	AvgQueryLatency time.Duration      `json:"avg_query_latency"`

	Issues []Issue `json:"issues,omitempty"`
}

// ConflictCounter reports how many merge conflicts have been recorded.
// The resolver implements it.
type ConflictCounter interface {
	ConflictCount() int64
}

// Options configures a Sampler.
type Options struct {
	// Thresholds are the score floors below which issues are raised.
	Thresholds config.QualityConfig

	// Conflicts supplies the resolver conflict counter. Nil reads as
	// zero conflicts.
	Conflicts ConflictCounter

	// Cache supplies hit-ratio statistics. Nil reads as a perfect
	// ratio.
	Cache *cache.Coordinator

	// Interval is the scheduler cadence for Start. Defaults to one
	// minute.
	Interval time.Duration

	// LatencyWindow bounds how many recent query latencies the sampler
	// averages over. Defaults to 256.
	LatencyWindow int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Sampler produces quality reports over the hierarchy.
type Sampler struct {
	stores     []store.Store
	thresholds config.QualityConfig
	conflicts  ConflictCounter
	cache      *cache.Coordinator
	interval   time.Duration
	logger     *slog.Logger

	latMu   sync.Mutex
	lats    []time.Duration
	latNext int
	latLen  int

	mu     sync.Mutex
	last   *Report
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler over the given tier stores.
func NewSampler(stores []store.Store, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sampler{
		stores:     stores,
		thresholds: opts.Thresholds,
		conflicts:  opts.Conflicts,
		cache:      opts.Cache,
		interval:   opts.Interval,
		logger:     opts.Logger,
		lats:       make([]time.Duration, opts.LatencyWindow),
	}
}

// ObserveLatency records one query latency. The query service calls it
// through its OnLatency hook.
func (s *Sampler) ObserveLatency(d time.Duration) {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	s.lats[s.latNext] = d
	s.latNext = (s.latNext + 1) % len(s.lats)
	if s.latLen < len(s.lats) {
		s.latLen++
	}
}

func (s *Sampler) avgLatency() time.Duration {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	if s.latLen == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.latLen; i++ {
		total += s.lats[i]
	}
	return total / time.Duration(s.latLen)
}

// Sample computes one quality report.
func (s *Sampler) Sample(ctx context.Context) Report {
	report := Report{
		SampledAt:  time.Now().UTC(),
		TierCounts: make(map[types.Tier]int, len(s.stores)),
	}

	total := 0
	for _, st := range s.stores {
		status, err := st.Status(ctx)
		if err != nil {
			s.logger.Warn("tier status unavailable",
				"tier", st.Tier().String(), "error", err)
			report.UnreachableTier = append(report.UnreachableTier, st.Tier())
			continue
		}
		report.TierCounts[st.Tier()] = status.Count
		total += status.Count
	}

	if s.conflicts != nil {
		report.ConflictCount = s.conflicts.ConflictCount()
	}
	report.CacheHitRatio = 1
	if s.cache != nil {
		stats := s.cache.Stats()
		if stats.Hits+stats.Misses > 0 {
			report.CacheHitRatio = stats.HitRatio
		}
	}
	report.AvgQueryLatency = s.avgLatency()

	report.DataIntegrity = integrityScore(report.ConflictCount, total)
	report.SystemStability = stabilityScore(len(s.stores), len(report.UnreachableTier))
	report.Performance = latencyScore(report.AvgQueryLatency)
	report.OperationalEfficiency = report.CacheHitRatio

	report.Issues = s.issues(report)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report
}

// Last returns the most recent report, or false when no sample has run.
func (s *Sampler) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// integrityScore penalizes merge conflicts relative to corpus size. A
// corpus where every record carries a conflict scores zero.
func integrityScore(conflicts int64, records int) float64 {
	if conflicts <= 0 {
		return 1
	}
	if records <= 0 {
		records = 1
	}
	ratio := float64(conflicts) / float64(records)
	if ratio > 1 {
		ratio = 1
	}
	return 1 - ratio
}

// stabilityScore is the fraction of tiers currently answering.
func stabilityScore(tiers, unreachable int) float64 {
	if tiers == 0 {
		return 1
	}
	return float64(tiers-unreachable) / float64(tiers)
}

// latencyScore grades the average query latency: full marks at or below
// 100ms, zero at or above 2s, linear in between. No samples means no
// evidence of a problem.
func latencyScore(avg time.Duration) float64 {
	const (
		good = 100 * time.Millisecond
		bad  = 2 * time.Second
	)
	switch {
	case avg <= good:
		return 1
	case avg >= bad:
		return 0
	default:
		return float64(bad-avg) / float64(bad-good)
	}
}

func (s *Sampler) issues(r Report) []Issue {
	type check struct {
		category       string
		score          float64
		threshold      float64
		description    string
		recommendation string
	}
	checks := []check{
		{
			category:       "data_integrity",
			score:          r.DataIntegrity,
			threshold:      s.thresholds.DataIntegrity,
			description:    "merge conflicts are accumulating across tiers",
			recommendation: "run consolidation to resolve duplicate entities, or lock authoritative long-term records",
		},
		{
			category:       "system_stability",
			score:          r.SystemStability,
			threshold:      s.thresholds.SystemStability,
			description:    "one or more tiers are unreachable",
			recommendation: "check the long-term backend connection and restart unhealthy tiers",
		},
		{
			category:       "performance",
			score:          r.Performance,
			threshold:      s.thresholds.Performance,
			description:    "average query latency is elevated",
			recommendation: "narrow query tiers, raise cache usage, or reduce the keyword fan-out",
		},
		{
			category:       "operational_efficiency",
			score:          r.OperationalEfficiency,
			threshold:      s.thresholds.OperationalEfficiency,
			description:    "cache hit ratio is below target",
			recommendation: "increase cache capacity or TTLs, or enable caching on hot query paths",
		},
	}

	var issues []Issue
	for _, c := range checks {
		if c.threshold <= 0 || c.score >= c.threshold {
			continue
		}
		issues = append(issues, Issue{
			Severity:       severityFor(c.threshold - c.score),
			Category:       c.category,
			Description:    c.description,
			Recommendation: c.recommendation,
		})
	}
	return issues
}

// Start begins periodic sampling. Starting a running sampler is a
// no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := s.Sample(ctx)
				if ctx.Err() != nil {
					return
				}
				for _, issue := range report.Issues {
					s.logger.Warn("quality issue detected",
						"severity", string(issue.Severity),
						"category", issue.Category,
						"recommendation", issue.Recommendation,
					)
				}
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight sample to finish.
// Stopping a sampler that was never started is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
