package memtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/storyloom/memtier/cache"
	"github.com/storyloom/memtier/config"
	"github.com/storyloom/memtier/diag"
	"github.com/storyloom/memtier/query"
	"github.com/storyloom/memtier/resolver"
	"github.com/storyloom/memtier/store"
	"github.com/storyloom/memtier/types"
)

// Engine is the tiered narrative memory hierarchy: a short-term sliding
// window, a mid-term aggregate store, and a durable long-term knowledge
// base, unified behind one read API with cross-tier duplicate
// resolution, caching, background promotion, and quality diagnostics.
//
// Construct one with New and release it with Close.
//
// Example:
//
//	engine, err := memtier.New(
//	    memtier.WithLogger(logger),
//	    memtier.WithConfigFile("/path/to/config.yaml"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	short  *store.ShortTerm
	mid    *store.MidTerm
	long   store.Store
	stores []store.Store

	audit    store.AuditLog
	cache    *cache.Coordinator
	resolver *resolver.Resolver
	query    *query.Service
	promoter *store.Promoter
	sampler  *diag.Sampler

	tracer trace.Tracer
	closed chan struct{}
}

// New creates an Engine with the provided options. Configuration is the
// only thing that can fail construction: a backend that cannot be
// reached degrades to its in-memory fallback with a warning instead of
// blocking startup.
func New(opts ...Option) (*Engine, error) {
	ec := &engineConfig{}
	for _, opt := range opts {
		opt(ec)
	}

	if ec.logger == nil {
		ec.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if ec.now == nil {
		ec.now = time.Now
	}

	cfg := ec.cfg
	if cfg == nil && ec.configPath != "" {
		loaded, err := config.Load(ec.configPath)
		if err != nil {
			return nil, NewConfigurationError("memtier.New", fmt.Errorf("%w: %w", ErrInvalidConfig, err))
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("memtier.New", fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	e := &Engine{
		cfg:    cfg,
		logger: ec.logger,
		closed: make(chan struct{}),
	}

	e.short = store.NewShortTerm(cfg.Store.ShortWindowChapters)
	e.mid = store.NewMidTerm()
	e.long = ec.longStore
	if e.long == nil {
		e.long = e.buildLongStore(cfg)
	}
	e.stores = []store.Store{e.short, e.mid, e.long}

	e.audit = ec.audit
	if e.audit == nil {
		if rs, ok := e.long.(*store.RedisLongTerm); ok {
			e.audit = store.NewRedisAuditLogFromStore(rs)
		} else {
			e.audit = store.NewMemoryAuditLog()
		}
	}

	e.cache = cache.New(cache.Options{
		TTLs: map[types.Tier]time.Duration{
			types.TierShort: cfg.TTL.ShortTTL(),
			types.TierMid:   cfg.TTL.MidTTL(),
			types.TierLong:  cfg.TTL.LongTTL(),
		},
		MaxPerBucket: cfg.Cache.MaxEntriesPerTier,
		Logger:       e.logger,
	})

	e.resolver = resolver.New(e.stores, resolver.Options{
		SimilarityThreshold: cfg.SimilarityThreshold,
		Audit:               e.audit,
		Logger:              e.logger,
	})

	e.promoter = store.NewPromoter(e.short, e.mid, e.long, store.PromoterOptions{
		MinAge:    cfg.Store.PromotionMinAge(),
		MidMaxAge: cfg.Store.MidMaxAge(),
		Interval:  time.Duration(cfg.ConsolidationIntervalMs) * time.Millisecond,
		Logger:    e.logger,
		Now:       ec.now,
	})

	e.sampler = diag.NewSampler(e.stores, diag.Options{
		Thresholds: cfg.Quality,
		Conflicts:  e.resolver,
		Cache:      e.cache,
		Interval:   cfg.Quality.SampleInterval(),
		Logger:     e.logger,
	})

	e.query = query.New(e.stores, query.Options{
		Cache:          e.cache,
		Resolver:       e.resolver,
		DefaultTimeout: time.Duration(cfg.QueryTimeoutMs) * time.Millisecond,
		OnLatency:      e.sampler.ObserveLatency,
		Now:            ec.now,
		Logger:         e.logger,
	})

	e.tracer = ec.tracer
	return e, nil
}

// buildLongStore connects the configured long-term backend, falling
// back to the in-memory store when the backend is unreachable.
func (e *Engine) buildLongStore(cfg *config.Config) store.Store {
	if cfg.Store.RedisURL == "" {
		return store.NewLongTerm()
	}
	rs, err := store.NewRedisLongTerm(store.RedisOptions{URL: cfg.Store.RedisURL})
	if err != nil {
		e.logger.Warn("long-term redis backend unreachable, using in-memory store",
			"url", cfg.Store.RedisURL, "error", err)
		return store.NewLongTerm()
	}
	return rs
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// storeFor returns the store owning the given tier.
func (e *Engine) storeFor(tier types.Tier) (store.Store, error) {
	switch tier {
	case types.TierShort:
		return e.short, nil
	case types.TierMid:
		return e.mid, nil
	case types.TierLong:
		return e.long, nil
	default:
		return nil, NewValidationError("Engine.storeFor", tier.Validate())
	}
}

// Write stores a record in its tier and synchronously invalidates every
// cached result derived from the record's entity, so a read after Write
// never observes the entity's pre-write state through the cache.
func (e *Engine) Write(ctx context.Context, rec *types.MemoryRecord) error {
	const op = "Engine.Write"
	if e.isClosed() {
		return NewInternalError(op, ErrClosed)
	}
	if rec == nil {
		return NewValidationError(op, fmt.Errorf("nil record"))
	}
	st, err := e.storeFor(rec.Tier)
	if err != nil {
		return NewValidationError(op, err)
	}
	if err := st.Write(ctx, rec); err != nil {
		if isUnavailable(err) {
			return NewTierUnavailableError(op, err).WithContext(map[string]any{
				"tier": rec.Tier.String(),
			})
		}
		return NewValidationError(op, err)
	}
	e.cache.InvalidateEntity(ctx, rec.EntityID)
	return nil
}

// Read fetches one record by tier and ID.
func (e *Engine) Read(ctx context.Context, tier types.Tier, id string) (*types.MemoryRecord, error) {
	const op = "Engine.Read"
	if e.isClosed() {
		return nil, NewInternalError(op, ErrClosed)
	}
	st, err := e.storeFor(tier)
	if err != nil {
		return nil, NewValidationError(op, err)
	}
	rec, err := st.Read(ctx, id)
	if err != nil {
		if isUnavailable(err) {
			return nil, NewTierUnavailableError(op, err).WithContext(map[string]any{
				"tier": tier.String(),
			})
		}
		return nil, err
	}
	return rec, nil
}

// Query answers one request through the unified access API. Tier
// failures degrade the result rather than failing it; see
// types.QueryResult.
func (e *Engine) Query(ctx context.Context, req types.QueryRequest) (*types.QueryResult, error) {
	const op = "Engine.Query"
	if e.isClosed() {
		return nil, NewInternalError(op, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewTimeoutError(op, fmt.Errorf("%w: %w", ErrQueryTimeout, err))
	}
	res, err := e.query.Query(ctx, req)
	if err != nil {
		return nil, NewValidationError(op, err)
	}
	return res, nil
}

// Resolve computes the canonical cross-tier view of one entity without
// persisting it.
func (e *Engine) Resolve(ctx context.Context, entityID string) (types.ConsolidatedEntity, error) {
	const op = "Engine.Resolve"
	if e.isClosed() {
		return types.ConsolidatedEntity{}, NewInternalError(op, ErrClosed)
	}
	return e.resolver.Resolve(ctx, entityID)
}

// Consolidate resolves an entity and persists the canonical view into
// the long-term tier, then invalidates the entity's cached results.
func (e *Engine) Consolidate(ctx context.Context, entityID string) (types.ConsolidatedEntity, error) {
	const op = "Engine.Consolidate"
	if e.isClosed() {
		return types.ConsolidatedEntity{}, NewInternalError(op, ErrClosed)
	}
	view, err := e.resolver.Consolidate(ctx, entityID)
	if err != nil {
		return view, &Error{Op: op, Kind: KindConflictUnresolved,
			Err:     fmt.Errorf("%w: %w", ErrConflictUnresolved, err),
			Context: map[string]any{"entity_id": entityID}}
	}
	e.cache.InvalidateEntity(ctx, entityID)
	return view, nil
}

// PromoteOnce runs one promotion cycle: short to mid, mid to long, then
// mid-term eviction. Idempotent; re-running over an already-promoted
// batch is a no-op.
func (e *Engine) PromoteOnce(ctx context.Context) (store.PromotionStats, error) {
	const op = "Engine.PromoteOnce"
	if e.isClosed() {
		return store.PromotionStats{}, NewInternalError(op, ErrClosed)
	}
	return e.promoter.PromoteOnce(ctx)
}

// Diagnose computes a quality report on demand.
func (e *Engine) Diagnose(ctx context.Context) diag.Report {
	return e.sampler.Sample(ctx)
}

// LastReport returns the most recent quality report, or false when no
// sample has run yet.
func (e *Engine) LastReport() (diag.Report, bool) {
	return e.sampler.Last()
}

// CacheStats returns a snapshot of the cache coordinator counters.
func (e *Engine) CacheStats() cache.Statistics {
	return e.cache.Stats()
}

// AuditEntries returns recent consolidation audit entries, newest
// first.
func (e *Engine) AuditEntries(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	return e.audit.Entries(ctx, limit)
}

// TierStatus reports per-tier record counts. An unreachable tier is
// omitted from the map.
func (e *Engine) TierStatus(ctx context.Context) map[types.Tier]store.Status {
	out := make(map[types.Tier]store.Status, len(e.stores))
	for _, s := range e.stores {
		status, err := s.Status(ctx)
		if err != nil {
			e.logger.Warn("tier status unavailable", "tier", s.Tier().String(), "error", err)
			continue
		}
		out[s.Tier()] = status
	}
	return out
}

// Start launches the background promotion and diagnostics schedulers.
// Starting a started engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if e.isClosed() {
		return
	}
	e.promoter.Start(ctx)
	e.sampler.Start(ctx)
}

// Close stops background tasks and marks the engine unusable. Close is
// idempotent.
func (e *Engine) Close() error {
	if e.isClosed() {
		return nil
	}
	close(e.closed)
	e.promoter.Stop()
	e.sampler.Stop()
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
