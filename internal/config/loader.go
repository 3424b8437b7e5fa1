package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file (or the default search
// path when empty), layered over Defaults(), with LOOM_* environment
// variables taking precedence over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	installDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "loom"))
		}
		v.AddConfigPath("/etc/loom")
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine when we were searching default paths;
		// an explicit path that cannot be read is not.
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// installDefaults registers every default so viper.Unmarshal fills
// unset keys and env overrides resolve.
func installDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.cors_allowed_origins", d.Server.CORSAllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("coordinator.backend", d.Coordinator.Backend)
	v.SetDefault("coordinator.redis.addr", d.Coordinator.Redis.Addr)
	v.SetDefault("coordinator.redis.password", d.Coordinator.Redis.Password)
	v.SetDefault("coordinator.redis.db", d.Coordinator.Redis.DB)

	v.SetDefault("auth.access_token_ttl", d.Auth.AccessTokenTTL)

	v.SetDefault("worker.heartbeat_interval", d.Worker.HeartbeatInterval)
	v.SetDefault("worker.heartbeat_timeout", d.Worker.HeartbeatTimeout)

	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.max_concurrent_subtasks", d.Scheduler.MaxConcurrentSubtasks)
	v.SetDefault("scheduler.max_subtasks_per_worker", d.Scheduler.MaxSubtasksPerWorker)
	v.SetDefault("scheduler.max_queue_allocation_attempts", d.Scheduler.MaxQueueAllocationAttempts)
	v.SetDefault("scheduler.reconcile_interval", d.Scheduler.ReconcileInterval)
	v.SetDefault("scheduler.lock_ttl", d.Scheduler.LockTTL)

	v.SetDefault("allocator.weight_tool_match", d.Allocator.WeightToolMatch)
	v.SetDefault("allocator.weight_resources", d.Allocator.WeightResources)
	v.SetDefault("allocator.weight_privacy", d.Allocator.WeightPrivacy)
	v.SetDefault("allocator.resource_threshold_cpu_high", d.Allocator.ResourceThresholdCPUHigh)
	v.SetDefault("allocator.resource_threshold_mem_high", d.Allocator.ResourceThresholdMemHigh)
	v.SetDefault("allocator.resource_threshold_disk_high", d.Allocator.ResourceThresholdDiskHigh)

	v.SetDefault("evaluation.threshold", d.Evaluation.Threshold)
	v.SetDefault("evaluation.timeout", d.Evaluation.Timeout)

	v.SetDefault("review.score_threshold", d.Review.ScoreThreshold)
	v.SetDefault("review.max_fix_cycles", d.Review.MaxFixCycles)
	v.SetDefault("review.priority_bump_review", d.Review.PriorityBumpReview)
	v.SetDefault("review.priority_bump_fix", d.Review.PriorityBumpFix)

	v.SetDefault("checkpoint.subtask_interval", d.Checkpoint.SubtaskInterval)
	v.SetDefault("checkpoint.max_correction_cycles", d.Checkpoint.MaxCorrectionCycles)
	v.SetDefault("checkpoint.timeout_hours", d.Checkpoint.TimeoutHours)
	v.SetDefault("checkpoint.enable_error_trigger", d.Checkpoint.EnableErrorTrigger)
	v.SetDefault("checkpoint.enable_evaluation_trigger", d.Checkpoint.EnableEvaluationTrigger)
	v.SetDefault("checkpoint.enable_periodic_trigger", d.Checkpoint.EnablePeriodicTrigger)
	v.SetDefault("checkpoint.enable_timeout_trigger", d.Checkpoint.EnableTimeoutTrigger)
	v.SetDefault("checkpoint.escalator_interval", d.Checkpoint.EscalatorInterval)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// DefaultConfigTemplate returns the default config as a YAML string
// with comments, written by `loomd config init`.
func DefaultConfigTemplate() string {
	return `# loomd configuration

server:
  listen_addr: ":8420"
  # cors_allowed_origins: ["https://console.example.com"]
  shutdown_timeout: 15s

log:
  level: info    # debug, info, warn, error
  format: text   # text or json

store:
  # SQLite database file for tasks, subtasks, workers, checkpoints.
  path: loom.db

coordinator:
  # "memory" runs everything in-process (single node, dev).
  # "redis" is required when more than one loomd process runs.
  backend: memory
  redis:
    addr: localhost:6379
    # password: ""
    # db: 0

auth:
  access_token_ttl: 1h
  # Static bearer tokens for the built-in provider (dev only):
  # static_tokens:
  #   dev-token: admin

worker:
  heartbeat_interval: 30s
  heartbeat_timeout: 90s

scheduler:
  interval: 30s
  max_concurrent_subtasks: 20
  max_subtasks_per_worker: 1
  max_queue_allocation_attempts: 50
  reconcile_interval: 5m

allocator:
  weight_tool_match: 0.5
  weight_resources: 0.3
  weight_privacy: 0.2
  resource_threshold_cpu_high: 90
  resource_threshold_mem_high: 90
  resource_threshold_disk_high: 95
  # Extra tools to treat as local for privacy scoring:
  # local_tools: [ollama, llama_cpp, lmstudio]

evaluation:
  threshold: 7.0
  # url: http://evaluator:9600
  timeout: 30s

review:
  score_threshold: 6.0
  max_fix_cycles: 2

checkpoint:
  subtask_interval: 1
  max_correction_cycles: 3
  timeout_hours: 24
  enable_error_trigger: true
  enable_evaluation_trigger: true
  enable_periodic_trigger: true
  enable_timeout_trigger: true

templates:
  # Directory of user decomposition templates (*.yaml), hot-reloaded.
  # dir: /etc/loom/templates

tracing:
  enabled: false
  exporter: file          # none, file, stdout, otlp
  # file_path: /var/log/loom/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

metrics:
  enabled: true
`
}

// WriteDefaultConfig creates a config file at the given path with
// default settings and comments. Creates the parent directory if it
// doesn't exist. Refuses to overwrite an existing file.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
