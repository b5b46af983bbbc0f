package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.TTL.ShortTTL())
	assert.Equal(t, 5*time.Minute, cfg.TTL.MidTTL())
	assert.Equal(t, 30*time.Minute, cfg.TTL.LongTTL())
	assert.Equal(t, 0.8, cfg.SimilarityThreshold)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout())
	assert.Equal(t, 10, cfg.Store.ShortWindowChapters)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ttl ordering inverted", func(c *Config) { c.TTL.ShortTermMs = c.TTL.LongTermMs + 1 }},
		{"ttl mid equals short", func(c *Config) { c.TTL.MidTermMs = c.TTL.ShortTermMs }},
		{"negative ttl", func(c *Config) { c.TTL.ShortTermMs = -1 }},
		{"zero cache size", func(c *Config) { c.Cache.MaxEntriesPerTier = -5 }},
		{"similarity above one", func(c *Config) { c.SimilarityThreshold = 1.2 }},
		{"similarity negative", func(c *Config) { c.SimilarityThreshold = -0.1 }},
		{"threshold above one", func(c *Config) { c.Quality.Performance = 1.5 }},
		{"zero window", func(c *Config) { c.Store.ShortWindowChapters = -1 }},
		{"zero query timeout", func(c *Config) { c.QueryTimeoutMs = -10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
ttl:
  short_term_ms: 1000
  mid_term_ms: 2000
  long_term_ms: 3000
similarity_threshold: 0.9
cache:
  max_entries_per_tier: 50
`))
		require.NoError(t, err)
		assert.Equal(t, time.Second, cfg.TTL.ShortTTL())
		assert.Equal(t, 0.9, cfg.SimilarityThreshold)
		assert.Equal(t, 50, cfg.Cache.MaxEntriesPerTier)
		// Unset fields still get defaults.
		assert.Equal(t, 5*time.Second, cfg.QueryTimeout())
	})

	t.Run("rejects invalid yaml", func(t *testing.T) {
		_, err := Parse([]byte("ttl: [not a map"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("rejects out of range values", func(t *testing.T) {
		_, err := Parse([]byte("similarity_threshold: 7"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memtier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query_timeout_ms: 250\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.QueryTimeout())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
