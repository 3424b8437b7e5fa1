package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()

	require.Equal(t, 30*time.Second, d.Worker.HeartbeatInterval)
	require.Equal(t, 90*time.Second, d.Worker.HeartbeatTimeout)
	require.Equal(t, 30*time.Second, d.Scheduler.Interval)
	require.Equal(t, 20, d.Scheduler.MaxConcurrentSubtasks)
	require.Equal(t, 1, d.Scheduler.MaxSubtasksPerWorker)
	require.Equal(t, 0.5, d.Allocator.WeightToolMatch)
	require.Equal(t, 0.3, d.Allocator.WeightResources)
	require.Equal(t, 0.2, d.Allocator.WeightPrivacy)
	require.Equal(t, 7.0, d.Evaluation.Threshold)
	require.Equal(t, 6.0, d.Review.ScoreThreshold)
	require.Equal(t, 2, d.Review.MaxFixCycles)
	require.Equal(t, 3, d.Checkpoint.MaxCorrectionCycles)
	require.Equal(t, 24, d.Checkpoint.TimeoutHours)
	require.Equal(t, 24*time.Hour, d.Checkpoint.Timeout())

	require.NoError(t, Validate(d), "defaults must validate")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().Scheduler.MaxConcurrentSubtasks, cfg.Scheduler.MaxConcurrentSubtasks)
	require.Equal(t, "memory", cfg.Coordinator.Backend)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  interval: 5s
  max_concurrent_subtasks: 3
coordinator:
  backend: redis
  redis:
    addr: redis.internal:6379
worker:
  heartbeat_interval: 10s
  heartbeat_timeout: 45s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	require.Equal(t, 3, cfg.Scheduler.MaxConcurrentSubtasks)
	require.Equal(t, "redis", cfg.Coordinator.Backend)
	require.Equal(t, "redis.internal:6379", cfg.Coordinator.Redis.Addr)
	require.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
	// Untouched keys keep their defaults.
	require.Equal(t, 0.5, cfg.Allocator.WeightToolMatch)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOOM_SCHEDULER_MAX_CONCURRENT_SUBTASKS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Scheduler.MaxConcurrentSubtasks)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Coordinator.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Coordinator.Backend = "redis"; c.Coordinator.Redis.Addr = "" }},
		{"timeout below interval", func(c *Config) { c.Worker.HeartbeatTimeout = c.Worker.HeartbeatInterval / 2 }},
		{"zero concurrency cap", func(c *Config) { c.Scheduler.MaxConcurrentSubtasks = 0 }},
		{"negative weight", func(c *Config) { c.Allocator.WeightPrivacy = -0.1 }},
		{"all-zero weights", func(c *Config) {
			c.Allocator.WeightToolMatch = 0
			c.Allocator.WeightResources = 0
			c.Allocator.WeightPrivacy = 0
		}},
		{"threshold out of range", func(c *Config) { c.Evaluation.Threshold = 11 }},
		{"zero correction cycles", func(c *Config) { c.Checkpoint.MaxCorrectionCycles = 0 }},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "kafka" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loom.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8420", cfg.Server.ListenAddr)

	require.Error(t, WriteDefaultConfig(path), "must not overwrite")
}
