package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oicur0t/smlog/internal/search"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWhenDefaultFileMissing(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, "smtp", cfg.DefaultKind)
	assert.Equal(t, "literal", cfg.Search.Mode)
	assert.Equal(t, "related", cfg.Search.ResultMode)
	assert.Equal(t, search.DefaultThresholds(), cfg.Planner.Thresholds)
	assert.Equal(t, 14*24*time.Hour, cfg.StagingRetention)
	assert.Equal(t, 200, cfg.Export.Batching.MaxSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Export.Retry.InitialWait)
	assert.True(t, cfg.Cache.Warm)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
logs_dir: /srv/smartermail/Logs
default_kind: delivery
search:
  mode: wildcard
  fuzzy_threshold: 0.6
planner:
  max_workers: 3
  medium_total_bytes: 1024
  progress_interval: 250ms
export:
  mongodb:
    uri: mongodb://db:27017
    ttl_days: 7
  batching:
    max_wait: 2s
`)
	t.Setenv("SMLOG_SEARCH_RESULT_MODE", "matching-only")
	t.Setenv("SMLOG_CACHE_CAPACITY", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "/srv/smartermail/Logs", cfg.LogsDir)
	assert.Equal(t, "delivery", cfg.DefaultKind)
	assert.Equal(t, "wildcard", cfg.Search.Mode)
	assert.InDelta(t, 0.6, cfg.Search.FuzzyThreshold, 1e-9)
	assert.Equal(t, "matching-only", cfg.Search.ResultMode)
	assert.Equal(t, 12, cfg.Cache.Capacity)
	assert.Equal(t, int64(1024), cfg.Planner.MediumTotalBytes)
	assert.Equal(t, search.DefaultThresholds().SmallPerTargetBytes, cfg.Planner.SmallPerTargetBytes)
	assert.Equal(t, "mongodb://db:27017", cfg.Export.MongoDB.URI)
	assert.Equal(t, 7, cfg.Export.MongoDB.TTLDays)
	assert.Equal(t, 2*time.Second, cfg.Export.Batching.MaxWait)

	eng := cfg.EngineConfig()
	assert.Equal(t, 3, eng.MaxWorkers)
	assert.Equal(t, 250*time.Millisecond, eng.ProgressInterval)
	assert.Equal(t, 12, eng.CacheCapacity)
	assert.Equal(t, int64(1024), eng.Thresholds.MediumTotalBytes)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown kind", "default_kind: smtpp\n", "default_kind"},
		{"bad mode", "search:\n  mode: glob\n", "search.mode"},
		{"bad result mode", "search:\n  result_mode: all\n", "search.result_mode"},
		{"bad backend", "search:\n  fuzzy_backend: gpu\n", "search.fuzzy_backend"},
		{"threshold range", "search:\n  fuzzy_threshold: 1.5\n", "fuzzy_threshold"},
		{"log format", "log_format: xml\n", "log_format"},
		{"workers", "planner:\n  max_workers: -1\n", "max_workers"},
		{"capacity", "cache:\n  capacity: 0\n", "cache.capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEngineConfig_ZeroWorkersMeansPerCPU(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, search.DefaultMaxWorkers(), cfg.EngineConfig().MaxWorkers)
}
