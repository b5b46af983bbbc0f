// Package query implements the unified access API over the memory
// tiers.
//
// A query fans out to its target tiers concurrently, scores each record
// against the keyword, collapses duplicate entities through the
// resolver, ranks the survivors, and caches the result. Failures stay
// inside the result: an unreachable tier produces a warning and a
// partial result, and only the loss of every target tier flips Success
// to false.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storyloom/memtier/cache"
	"github.com/storyloom/memtier/resolver"
	"github.com/storyloom/memtier/store"
	"github.com/storyloom/memtier/types"
)

// ErrInvalidRequest is returned when a request names an unknown tier or
// kind.
var ErrInvalidRequest = errors.New("query: invalid request")

// Options configures a Service.
type Options struct {
	// Cache satisfies repeat requests when the request opts in. Nil
	// disables caching.
	Cache *cache.Coordinator

	// Resolver collapses duplicate entities across tiers before
	// ranking. Nil keeps per-tier records separate.
	Resolver *resolver.Resolver

	// DefaultTimeout bounds requests that do not set their own.
	// Defaults to 5 seconds.
	DefaultTimeout time.Duration

	// MaxConcurrent bounds the tier fan-out. Defaults to 3, one
	// goroutine per tier.
	MaxConcurrent int

	// OnLatency, when set, receives the wall time of every query.
	// Diagnostics samples latency through it.
	OnLatency func(time.Duration)

	// Now is the clock used for recency scoring. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service answers read requests across the tiers.
type Service struct {
	stores    map[types.Tier]store.Store
	cache     *cache.Coordinator
	resolver  *resolver.Resolver
	timeout   time.Duration
	maxInFly  int
	onLatency func(time.Duration)
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Service over the given tier stores.
func New(stores []store.Store, opts Options) *Service {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	byTier := make(map[types.Tier]store.Store, len(stores))
	for _, s := range stores {
		byTier[s.Tier()] = s
	}
	return &Service{
		stores:    byTier,
		cache:     opts.Cache,
		resolver:  opts.Resolver,
		timeout:   opts.DefaultTimeout,
		maxInFly:  opts.MaxConcurrent,
		onLatency: opts.OnLatency,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// tierHits is one tier's scored answer.
type tierHits struct {
	tier types.Tier
	hits []types.QueryHit
	err  error
}

// Query answers one request. The returned result is always non-nil;
// tier failures surface as warnings, and the error return is reserved
// for malformed requests.
func (s *Service) Query(ctx context.Context, req types.QueryRequest) (*types.QueryResult, error) {
	started := time.Now()
	if s.onLatency != nil {
		defer func() { s.onLatency(time.Since(started)) }()
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	targets := req.TargetTiers()
	sig := req.Signature()
	// Cache bucket follows the shortest-horizon target tier so cached
	// results expire at least as fast as their most volatile source.
	bucketTier := targets[0]

	var stale *types.QueryResult
	if s.cache != nil && req.UseCache && !req.ForceRefresh {
		cached, state := s.cache.Get(ctx, bucketTier, sig)
		switch state {
		case cache.StateFresh:
			out := *cached
			out.FromCache = true
			return &out, nil
		case cache.StateStale:
			stale = cached
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answers := s.fanOut(ctx, req, targets)

	result := s.assemble(ctx, req, targets, answers)
	if !result.Success && stale != nil {
		// Every tier failed but a stale cached result exists; serving
		// it beats serving nothing.
		out := *stale
		out.FromCache = true
		out.Partial = true
		out.Warnings = append(out.Warnings, "served stale cached result, all tiers unreachable")
		return &out, nil
	}

	// Partial results are never cached; a degraded answer must not keep
	// serving after the failed tier recovers.
	if s.cache != nil && req.UseCache && result.Success && !result.Partial {
		s.cache.Put(ctx, bucketTier, sig, result, hitEntityIDs(result.Hits))
	}
	return result, nil
}

func validateRequest(req types.QueryRequest) error {
	for _, t := range req.Tiers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if req.Kind != "" {
		if err := req.Kind.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// fanOut queries the target tiers concurrently and collects per-tier
// answers. The group never returns an error; failures travel inside
// tierHits.
func (s *Service) fanOut(ctx context.Context, req types.QueryRequest, targets []types.Tier) []tierHits {
	var (
		mu      sync.Mutex
		answers []tierHits
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxInFly)

	for _, tier := range targets {
		g.Go(func() error {
			hits, err := s.queryTier(gctx, tier, req)
			mu.Lock()
			answers = append(answers, tierHits{tier: tier, hits: hits, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines report failures through answers
	return answers
}

// queryTier scores one tier's records against the request.
func (s *Service) queryTier(ctx context.Context, tier types.Tier, req types.QueryRequest) ([]types.QueryHit, error) {
	st, ok := s.stores[tier]
	if !ok {
		return nil, fmt.Errorf("%w: no store for tier %s", store.ErrUnavailable, tier)
	}

	kinds := []types.EntityKind{req.Kind}
	if req.Kind == "" {
		kinds = types.AllKinds()
	}

	tokens := keywordTokens(req.Keyword)
	var hits []types.QueryHit
	for _, kind := range kinds {
		records, err := st.QueryByKind(ctx, kind, store.Filter{})
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			score := s.score(tokens, rec)
			if len(tokens) > 0 && score == 0 {
				continue
			}
			hits = append(hits, types.QueryHit{
				SourceTier: tier,
				Relevance:  score,
				Record:     rec,
			})
		}
	}
	return hits, nil
}

func keywordTokens(keyword string) []string {
	return strings.Fields(strings.ToLower(keyword))
}

// score combines keyword overlap with recency decay. Overlap is the
// fraction of query tokens present in the record's search text; decay
// halves roughly every day of record age. A keywordless request ranks
// purely on recency.
func (s *Service) score(tokens []string, rec types.MemoryRecord) float64 {
	overlap := 1.0
	if len(tokens) > 0 {
		text := strings.ToLower(rec.Payload.SearchText())
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				matched++
			}
		}
		if matched == 0 {
			return 0
		}
		overlap = float64(matched) / float64(len(tokens))
	}

	age := s.now().Sub(rec.UpdatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-age.Hours() / 24)
	return overlap * decay
}

// assemble merges the per-tier answers into one ranked result.
func (s *Service) assemble(ctx context.Context, req types.QueryRequest, targets []types.Tier, answers []tierHits) *types.QueryResult {
	result := &types.QueryResult{Success: true}

	var hits []types.QueryHit
	failed := 0
	for _, ans := range answers {
		if ans.err != nil {
			failed++
			s.logger.Warn("tier failed during query fan-out",
				"tier", ans.tier.String(), "error", ans.err)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s-term tier unreachable", ans.tier))
			result.Partial = true
			continue
		}
		hits = append(hits, ans.hits...)
	}

	if failed == len(targets) {
		result.Success = false
		result.ErrCode = types.ErrCodeAllTiersFailed
		if ctx.Err() == context.DeadlineExceeded {
			result.ErrCode = types.ErrCodeDeadlineExceeded
		}
		return result
	}
	if ctx.Err() == context.DeadlineExceeded {
		result.Partial = true
		result.ErrCode = types.ErrCodeDeadlineExceeded
	}

	hits = s.collapseEntities(ctx, req, hits)
	types.SortHits(hits)
	result.Hits = hits
	return result
}

// collapseEntities folds hits that refer to the same logical entity into
// one, resolving their payloads into the canonical view when a resolver
// is configured. The surviving hit keeps the best relevance and the
// highest-priority source tier.
func (s *Service) collapseEntities(ctx context.Context, req types.QueryRequest, hits []types.QueryHit) []types.QueryHit {
	byEntity := make(map[string][]int)
	order := make([]string, 0, len(hits))
	for i, h := range hits {
		id := h.Record.EntityID
		if _, seen := byEntity[id]; !seen {
			order = append(order, id)
		}
		byEntity[id] = append(byEntity[id], i)
	}

	out := make([]types.QueryHit, 0, len(order))
	for _, id := range order {
		group := byEntity[id]
		best := hits[group[0]]
		for _, i := range group[1:] {
			h := hits[i]
			if h.SourceTier.Priority() > best.SourceTier.Priority() {
				keep := best.Relevance
				best = h
				if keep > best.Relevance {
					best.Relevance = keep
				}
			} else if h.Relevance > best.Relevance {
				best.Relevance = h.Relevance
			}
		}

		if len(group) > 1 && s.resolver != nil {
			view, err := s.resolver.Resolve(ctx, id)
			if err == nil && view.Canonical != nil {
				best.Record.Payload = view.Canonical
				if req.IncludeMetadata {
					best.Metadata = provenance(view)
				}
			}
		} else if req.IncludeMetadata {
			best.Metadata = map[string]any{
				"contributing_tiers": []string{best.SourceTier.String()},
			}
		}
		out = append(out, best)
	}
	return out
}

func provenance(view types.ConsolidatedEntity) map[string]any {
	tiers := make([]string, 0, len(view.Contributing))
	seen := make(map[string]bool)
	for _, ref := range view.Contributing {
		name := ref.Tier.String()
		if !seen[name] {
			seen[name] = true
			tiers = append(tiers, name)
		}
	}
	md := map[string]any{
		"contributing_tiers": tiers,
		"conflicts":          len(view.Conflicts),
	}
	if view.Degraded {
		degraded := make([]string, len(view.DegradedTiers))
		for i, t := range view.DegradedTiers {
			degraded[i] = t.String()
		}
		md["degraded_tiers"] = degraded
	}
	return md
}

func hitEntityIDs(hits []types.QueryHit) []string {
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if !seen[h.Record.EntityID] {
			seen[h.Record.EntityID] = true
			out = append(out, h.Record.EntityID)
		}
	}
	return out
}
