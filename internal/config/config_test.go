package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joe4dev/trigger-bench/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(1001), cfg.TimestampMarginMicros)
	assert.Equal(t, int64(10000), cfg.TimestampThresholdMicros)
	assert.Equal(t, 5, cfg.NumReceiverTimestamps)
	assert.False(t, cfg.AlwaysAnalyze)
	assert.Equal(t, 0, cfg.Workers)
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, 4096, cfg.CorrelatorCacheSize)
	assert.Equal(t, 30*time.Second, cfg.PerTraceTimeout)

	assert.Equal(t, 1001*time.Microsecond, cfg.TimestampMargin())
	assert.Equal(t, 10*time.Millisecond, cfg.TimestampThreshold())
}

func TestLoad_FileOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tracebench.yaml")

	contents := "always_analyze: true\nworkers: 4\nnum_receiver_timestamps: 7\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0o600))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.True(t, cfg.AlwaysAnalyze)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 7, cfg.NumReceiverTimestamps)
	// Unset fields still fall back to defaults.
	assert.Equal(t, int64(1001), cfg.TimestampMarginMicros)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Setenv("TRACEBENCH_ALWAYS_ANALYZE", "true")
	t.Setenv("TRACEBENCH_WORKERS", "8")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.True(t, cfg.AlwaysAnalyze)
	assert.Equal(t, 8, cfg.Workers)
}

func TestLoad_InvalidConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tracebench.yaml")

	require.NoError(t, os.WriteFile(cfgPath, []byte("num_receiver_timestamps: 0\n"), 0o600))

	_, err := config.Load(cfgPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
