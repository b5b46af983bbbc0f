package memtier

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/storyloom/memtier/config"
	"github.com/storyloom/memtier/store"
)

// Option configures the Engine.
type Option func(*engineConfig)

// engineConfig holds configuration for the Engine instance.
type engineConfig struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	tracer     trace.Tracer
	longStore  store.Store
	audit      store.AuditLog
	now        func() time.Time
}

// WithConfig supplies an explicit configuration. Defaults are applied
// and the result validated during New.
func WithConfig(cfg *config.Config) Option {
	return func(c *engineConfig) {
		c.cfg = cfg
	}
}

// WithConfigFile loads configuration from a YAML file during New.
// Ignored when WithConfig is also given.
func WithConfigFile(path string) Option {
	return func(c *engineConfig) {
		c.configPath = path
	}
}

// WithLogger sets a custom logger for the engine.
// If not provided, a default JSON logger will be created.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer for distributed tracing.
// Traced() returns a wrapper that spans every engine operation with it.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *engineConfig) {
		c.tracer = tracer
	}
}

// WithLongTermStore overrides the long-term store. Use it to supply a
// pre-connected Redis store or a custom backend; when absent the engine
// builds one from the configuration.
func WithLongTermStore(s store.Store) Option {
	return func(c *engineConfig) {
		c.longStore = s
	}
}

// WithAuditLog overrides the consolidation audit log. Defaults to an
// in-memory log, or a Redis log when the configured long-term store is
// Redis-backed.
func WithAuditLog(log store.AuditLog) Option {
	return func(c *engineConfig) {
		c.audit = log
	}
}

// WithClock overrides the engine clock. A test seam: promotion age
// gates and relevance recency both read it.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) {
		c.now = now
	}
}
