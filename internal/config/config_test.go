package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 30501, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "pgvector", cfg.Vector.Driver)
	assert.Equal(t, "IP", cfg.Vector.Metric)
	assert.Equal(t, 50, cfg.Vector.BatchSize)
	assert.Equal(t, 512, cfg.Vector.Dimensions)
	assert.Equal(t, 4, cfg.Extractor.MinFrames)
	assert.Equal(t, 80, cfg.Extractor.MaxFrames)
	assert.Equal(t, 30.0, cfg.Extractor.ChangeThreshold)
	assert.False(t, cfg.Retrieval.DedupVideos)
	assert.Equal(t, 10*time.Second, cfg.Retrieval.ImageFetchTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FRAMESEARCH_VECTOR_BATCH_SIZE", "7")
	t.Setenv("FRAMESEARCH_EXTRACTOR_CHANGE_THRESHOLD", "12.5")
	t.Setenv("FRAMESEARCH_RETRIEVAL_DEDUP_VIDEOS", "true")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Vector.BatchSize)
	assert.Equal(t, 12.5, cfg.Extractor.ChangeThreshold)
	assert.True(t, cfg.Retrieval.DedupVideos)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad metric", func(c *Config) { c.Vector.Metric = "COSINE" }},
		{"bad db type", func(c *Config) { c.Database.Type = "mysql" }},
		{"bad vector driver", func(c *Config) { c.Vector.Driver = "milvus" }},
		{"zero batch", func(c *Config) { c.Vector.BatchSize = 0 }},
		{"max below min", func(c *Config) { c.Extractor.MaxFrames = 2 }},
		{"zero min", func(c *Config) { c.Extractor.MinFrames = 0 }},
		{"bad provider", func(c *Config) { c.Embedding.Provider = "bert" }},
		{"memory vectors over sqlite file", func(c *Config) { c.Vector.Driver = "memory" }},
		{"memory vectors over postgres", func(c *Config) {
			c.Vector.Driver = "memory"
			c.Database.Type = "postgres"
			c.Database.SQLitePath = SQLiteMemory
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("memory vectors over in-memory sqlite", func(t *testing.T) {
		cfg := Default()
		cfg.Vector.Driver = "memory"
		cfg.Database.SQLitePath = SQLiteMemory
		assert.NoError(t, cfg.Validate())
	})

	t.Run("lowercase metric accepted", func(t *testing.T) {
		cfg := Default()
		cfg.Vector.Metric = "l2"
		assert.NoError(t, cfg.Validate())
	})
}
