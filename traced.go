package memtier

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/storyloom/memtier/store"
	"github.com/storyloom/memtier/types"
)

// TracedEngine wraps an Engine with OpenTelemetry tracing. It creates
// spans for write, read, query, resolution, consolidation, and
// promotion operations.
//
// Span names follow "memtier.{operation}", and each span carries the
// tier, entity, and result-size attributes relevant to its operation.
type TracedEngine struct {
	inner  *Engine
	tracer trace.Tracer
}

// Traced returns a traced view of the engine using the tracer supplied
// via WithTracer, or a noop tracer when none was.
func (e *Engine) Traced() *TracedEngine {
	tracer := e.tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("memtier")
	}
	return &TracedEngine{inner: e, tracer: tracer}
}

// Engine returns the wrapped engine.
func (t *TracedEngine) Engine() *Engine { return t.inner }

func (t *TracedEngine) finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Write stores a record with tracing.
// Creates a span "memtier.write" with tier and entity attributes.
func (t *TracedEngine) Write(ctx context.Context, rec *types.MemoryRecord) error {
	ctx, span := t.tracer.Start(ctx, "memtier.write")
	if rec != nil {
		span.SetAttributes(
			attribute.String("memtier.tier", rec.Tier.String()),
			attribute.String("memtier.entity_id", rec.EntityID),
			attribute.String("memtier.kind", rec.Kind.String()),
		)
	}
	err := t.inner.Write(ctx, rec)
	t.finish(span, err)
	return err
}

// Read fetches a record with tracing.
func (t *TracedEngine) Read(ctx context.Context, tier types.Tier, id string) (*types.MemoryRecord, error) {
	ctx, span := t.tracer.Start(ctx, "memtier.read")
	span.SetAttributes(
		attribute.String("memtier.tier", tier.String()),
		attribute.String("memtier.record_id", id),
	)
	rec, err := t.inner.Read(ctx, tier, id)
	t.finish(span, err)
	return rec, err
}

// Query answers a request with tracing.
// Creates a span "memtier.query" with keyword, hit-count, and cache
// attributes.
func (t *TracedEngine) Query(ctx context.Context, req types.QueryRequest) (*types.QueryResult, error) {
	ctx, span := t.tracer.Start(ctx, "memtier.query")
	span.SetAttributes(
		attribute.String("memtier.keyword", req.Keyword),
		attribute.Bool("memtier.use_cache", req.UseCache),
	)
	res, err := t.inner.Query(ctx, req)
	if res != nil {
		span.SetAttributes(
			attribute.Int("memtier.hits", len(res.Hits)),
			attribute.Bool("memtier.from_cache", res.FromCache),
			attribute.Bool("memtier.partial", res.Partial),
		)
	}
	t.finish(span, err)
	return res, err
}

// Resolve computes the canonical entity view with tracing.
func (t *TracedEngine) Resolve(ctx context.Context, entityID string) (types.ConsolidatedEntity, error) {
	ctx, span := t.tracer.Start(ctx, "memtier.resolve")
	span.SetAttributes(attribute.String("memtier.entity_id", entityID))
	view, err := t.inner.Resolve(ctx, entityID)
	if err == nil {
		span.SetAttributes(
			attribute.Int("memtier.conflicts", len(view.Conflicts)),
			attribute.Bool("memtier.degraded", view.Degraded),
		)
	}
	t.finish(span, err)
	return view, err
}

// Consolidate persists the canonical entity view with tracing.
func (t *TracedEngine) Consolidate(ctx context.Context, entityID string) (types.ConsolidatedEntity, error) {
	ctx, span := t.tracer.Start(ctx, "memtier.consolidate")
	span.SetAttributes(attribute.String("memtier.entity_id", entityID))
	view, err := t.inner.Consolidate(ctx, entityID)
	t.finish(span, err)
	return view, err
}

// PromoteOnce runs one promotion cycle with tracing.
func (t *TracedEngine) PromoteOnce(ctx context.Context) (store.PromotionStats, error) {
	ctx, span := t.tracer.Start(ctx, "memtier.promote")
	stats, err := t.inner.PromoteOnce(ctx)
	if err == nil {
		span.SetAttributes(
			attribute.Int("memtier.short_consumed", stats.ShortConsumed),
			attribute.Int("memtier.mid_merged", stats.MidMerged),
		)
	}
	t.finish(span, err)
	return stats, err
}

// Close releases the wrapped engine.
// Creates a span "memtier.close".
func (t *TracedEngine) Close() error {
	_, span := t.tracer.Start(context.Background(), "memtier.close")
	err := t.inner.Close()
	t.finish(span, err)
	return err
}
