// Package config defines the engine configuration surface: per-tier cache
// TTLs, store windows, promotion cadence, query timeouts, and quality
// thresholds. Configuration is loaded from YAML, completed with defaults,
// and validated before the engine will construct; an out-of-range value is
// the only condition that prevents engine initialization.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration value is out of range.
// The engine refuses to initialize on this error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the top-level engine configuration.
type Config struct {
	TTL   TTLConfig   `yaml:"ttl" json:"ttl"`
	Cache CacheConfig `yaml:"cache" json:"cache"`
	Store StoreConfig `yaml:"store" json:"store"`

	// SimilarityThreshold gates fuzzy duplicate matching in the resolver.
	// Records without explicit entity linkage are grouped when their
	// normalized name similarity exceeds this value. A heuristic, not a
	// correctness guarantee; tune per corpus.
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`

	// ConsolidationIntervalMs is the cadence of the background promotion
	// cycle in milliseconds.
	ConsolidationIntervalMs int `yaml:"consolidation_interval_ms" json:"consolidation_interval_ms"`

	// QueryTimeoutMs bounds a query that does not carry its own timeout.
	QueryTimeoutMs int `yaml:"query_timeout_ms" json:"query_timeout_ms"`

	Quality QualityConfig `yaml:"quality_thresholds" json:"quality_thresholds"`
}

// TTLConfig holds the per-tier cache freshness windows in milliseconds.
// The windows must be strictly ordered short < mid < long.
type TTLConfig struct {
	ShortTermMs int `yaml:"short_term_ms" json:"short_term_ms"`
	MidTermMs   int `yaml:"mid_term_ms" json:"mid_term_ms"`
	LongTermMs  int `yaml:"long_term_ms" json:"long_term_ms"`
}

// ShortTTL returns the short-term window as a duration.
func (c TTLConfig) ShortTTL() time.Duration { return time.Duration(c.ShortTermMs) * time.Millisecond }

// MidTTL returns the mid-term window as a duration.
func (c TTLConfig) MidTTL() time.Duration { return time.Duration(c.MidTermMs) * time.Millisecond }

// LongTTL returns the long-term window as a duration.
func (c TTLConfig) LongTTL() time.Duration { return time.Duration(c.LongTermMs) * time.Millisecond }

// CacheConfig configures the cache coordinator.
type CacheConfig struct {
	// MaxEntriesPerTier is the LRU capacity of each tier bucket.
	MaxEntriesPerTier int `yaml:"max_entries_per_tier" json:"max_entries_per_tier"`
}

// StoreConfig configures the tiered stores and promotion.
type StoreConfig struct {
	// ShortWindowChapters is the sliding-window size of the short-term
	// store in chapters. Oldest chapters evict on overflow.
	ShortWindowChapters int `yaml:"short_window_chapters" json:"short_window_chapters"`

	// PromotionMinAgeMs is how old a short-term record must be before a
	// promotion cycle will consume it.
	PromotionMinAgeMs int `yaml:"promotion_min_age_ms" json:"promotion_min_age_ms"`

	// MidMaxAgeMs is the age past which redundant mid-term aggregates
	// become eligible for eviction.
	MidMaxAgeMs int `yaml:"mid_max_age_ms" json:"mid_max_age_ms"`

	// RedisURL selects the Redis-backed long-term store when set
	// (e.g. "redis://localhost:6379"). Empty means in-memory.
	RedisURL string `yaml:"redis_url" json:"redis_url"`
}

// PromotionMinAge returns the promotion age gate as a duration.
func (c StoreConfig) PromotionMinAge() time.Duration {
	return time.Duration(c.PromotionMinAgeMs) * time.Millisecond
}

// MidMaxAge returns the mid-term eviction age as a duration.
func (c StoreConfig) MidMaxAge() time.Duration {
	return time.Duration(c.MidMaxAgeMs) * time.Millisecond
}

// QualityConfig holds the diagnostics score thresholds, each in [0, 1].
// A computed score below its threshold raises an advisory issue.
type QualityConfig struct {
	DataIntegrity         float64 `yaml:"data_integrity" json:"data_integrity"`
	SystemStability       float64 `yaml:"system_stability" json:"system_stability"`
	Performance           float64 `yaml:"performance" json:"performance"`
	OperationalEfficiency float64 `yaml:"operational_efficiency" json:"operational_efficiency"`

	// SampleIntervalMs is the diagnostics sampling cadence.
	SampleIntervalMs int `yaml:"sample_interval_ms" json:"sample_interval_ms"`
}

// SampleInterval returns the sampling cadence as a duration.
func (c QualityConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

// Default returns a Config populated with defaults.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.TTL.ShortTermMs == 0 {
		c.TTL.ShortTermMs = 30_000 // 30s
	}
	if c.TTL.MidTermMs == 0 {
		c.TTL.MidTermMs = 300_000 // 5m
	}
	if c.TTL.LongTermMs == 0 {
		c.TTL.LongTermMs = 1_800_000 // 30m
	}
	if c.Cache.MaxEntriesPerTier == 0 {
		c.Cache.MaxEntriesPerTier = 1000
	}
	if c.Store.ShortWindowChapters == 0 {
		c.Store.ShortWindowChapters = 10
	}
	if c.Store.PromotionMinAgeMs == 0 {
		c.Store.PromotionMinAgeMs = 60_000 // 1m
	}
	if c.Store.MidMaxAgeMs == 0 {
		c.Store.MidMaxAgeMs = 86_400_000 // 24h
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.ConsolidationIntervalMs == 0 {
		c.ConsolidationIntervalMs = 300_000 // 5m
	}
	if c.QueryTimeoutMs == 0 {
		c.QueryTimeoutMs = 5_000 // 5s
	}
	if c.Quality.DataIntegrity == 0 {
		c.Quality.DataIntegrity = 0.7
	}
	if c.Quality.SystemStability == 0 {
		c.Quality.SystemStability = 0.7
	}
	if c.Quality.Performance == 0 {
		c.Quality.Performance = 0.6
	}
	if c.Quality.OperationalEfficiency == 0 {
		c.Quality.OperationalEfficiency = 0.5
	}
	if c.Quality.SampleIntervalMs == 0 {
		c.Quality.SampleIntervalMs = 60_000 // 1m
	}
}

// Validate checks every configured value. It returns an error wrapping
// ErrInvalid on the first violation; the engine treats that as fatal at
// construction time.
func (c *Config) Validate() error {
	if c.TTL.ShortTermMs <= 0 || c.TTL.MidTermMs <= 0 || c.TTL.LongTermMs <= 0 {
		return fmt.Errorf("%w: ttl values must be positive", ErrInvalid)
	}
	if !(c.TTL.ShortTermMs < c.TTL.MidTermMs && c.TTL.MidTermMs < c.TTL.LongTermMs) {
		return fmt.Errorf("%w: ttl ordering must hold: short (%dms) < mid (%dms) < long (%dms)",
			ErrInvalid, c.TTL.ShortTermMs, c.TTL.MidTermMs, c.TTL.LongTermMs)
	}
	if c.Cache.MaxEntriesPerTier <= 0 {
		return fmt.Errorf("%w: cache.max_entries_per_tier must be positive, got %d",
			ErrInvalid, c.Cache.MaxEntriesPerTier)
	}
	if c.Store.ShortWindowChapters <= 0 {
		return fmt.Errorf("%w: store.short_window_chapters must be positive, got %d",
			ErrInvalid, c.Store.ShortWindowChapters)
	}
	if c.Store.PromotionMinAgeMs < 0 {
		return fmt.Errorf("%w: store.promotion_min_age_ms cannot be negative, got %d",
			ErrInvalid, c.Store.PromotionMinAgeMs)
	}
	if c.Store.MidMaxAgeMs <= 0 {
		return fmt.Errorf("%w: store.mid_max_age_ms must be positive, got %d",
			ErrInvalid, c.Store.MidMaxAgeMs)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity_threshold must be in [0,1], got %v",
			ErrInvalid, c.SimilarityThreshold)
	}
	if c.ConsolidationIntervalMs <= 0 {
		return fmt.Errorf("%w: consolidation_interval_ms must be positive, got %d",
			ErrInvalid, c.ConsolidationIntervalMs)
	}
	if c.QueryTimeoutMs <= 0 {
		return fmt.Errorf("%w: query_timeout_ms must be positive, got %d",
			ErrInvalid, c.QueryTimeoutMs)
	}
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"data_integrity", c.Quality.DataIntegrity},
		{"system_stability", c.Quality.SystemStability},
		{"performance", c.Quality.Performance},
		{"operational_efficiency", c.Quality.OperationalEfficiency},
	} {
		if th.value < 0 || th.value > 1 {
			return fmt.Errorf("%w: quality_thresholds.%s must be in [0,1], got %v",
				ErrInvalid, th.name, th.value)
		}
	}
	if c.Quality.SampleIntervalMs <= 0 {
		return fmt.Errorf("%w: quality_thresholds.sample_interval_ms must be positive, got %d",
			ErrInvalid, c.Quality.SampleIntervalMs)
	}
	return nil
}

// QueryTimeout returns the default query deadline as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

// ConsolidationInterval returns the promotion cadence as a duration.
func (c *Config) ConsolidationInterval() time.Duration {
	return time.Duration(c.ConsolidationIntervalMs) * time.Millisecond
}

// TTLFor returns the cache freshness window for records of the given tier.
func (c *Config) TTLFor(tier string) time.Duration {
	switch tier {
	case "short":
		return c.TTL.ShortTTL()
	case "mid":
		return c.TTL.MidTTL()
	case "long":
		return c.TTL.LongTTL()
	default:
		return c.TTL.ShortTTL()
	}
}

// Load reads a YAML configuration file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
