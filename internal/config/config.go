// Package config provides configuration types and defaults for loomd.
package config

import (
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/log"
)

// Config holds all configuration options for the control plane. Values
// load from loom.yaml plus LOOM_* environment overrides; every knob has
// a default so an empty file boots a single-node dev instance.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         log.Config        `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Allocator   AllocatorConfig   `mapstructure:"allocator"`
	Evaluation  EvaluationConfig  `mapstructure:"evaluation"`
	Review      ReviewConfig      `mapstructure:"review"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Templates   TemplatesConfig   `mapstructure:"templates"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig holds the HTTP listener options.
type ServerConfig struct {
	// ListenAddr is the host:port the API binds to.
	ListenAddr string `mapstructure:"listen_addr"`
	// CORSAllowedOrigins feeds the CORS middleware; "*" during dev.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig holds the durable store options.
type StoreConfig struct {
	// Path is the sqlite database file; ":memory:" for tests.
	Path string `mapstructure:"path"`
}

// CoordinatorConfig selects and tunes the ephemeral coordination backend.
type CoordinatorConfig struct {
	// Backend is "redis" (production) or "memory" (single-node dev).
	Backend string `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds connection options for the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds the user-auth boundary options. Worker credentials
// are managed by the registry, not here.
type AuthConfig struct {
	// AccessTokenTTL is advertised to the external identity provider.
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	// StaticTokens maps bearer token -> principal name for the built-in
	// static provider. Production deployments plug in a real provider.
	StaticTokens map[string]string `mapstructure:"static_tokens"`
}

// WorkerConfig holds heartbeat tuning.
type WorkerConfig struct {
	// HeartbeatInterval is the beat cadence workers are told to keep.
	// Status mirrors expire after twice this interval.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout is how long a silent worker stays eligible
	// before the offline reaper flips it to offline.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// StatusTTL is how long a mirrored worker status lives without a
// refreshing write. Twice the beat interval tolerates one lost beat.
func (w WorkerConfig) StatusTTL() time.Duration {
	return 2 * w.HeartbeatInterval
}

// SchedulerConfig holds cycle cadence and concurrency caps.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// MaxConcurrentSubtasks caps the system-wide in-progress set.
	MaxConcurrentSubtasks int `mapstructure:"max_concurrent_subtasks"`
	// MaxSubtasksPerWorker is enforced through worker slot ownership;
	// values above 1 are reserved for future multi-slot workers.
	MaxSubtasksPerWorker int `mapstructure:"max_subtasks_per_worker"`
	// MaxQueueAllocationAttempts bounds one reallocate_queued drain.
	MaxQueueAllocationAttempts int `mapstructure:"max_queue_allocation_attempts"`
	// ReconcileInterval is the cadence of the mirror rebuild pass.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// LockTTL bounds how long a crashed process can hold the cycle lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// AllocatorConfig holds the scoring weights and candidacy thresholds.
type AllocatorConfig struct {
	WeightToolMatch float64 `mapstructure:"weight_tool_match"`
	WeightResources float64 `mapstructure:"weight_resources"`
	WeightPrivacy   float64 `mapstructure:"weight_privacy"`

	// Workers reporting above any of these are excluded from candidacy.
	ResourceThresholdCPUHigh  float64 `mapstructure:"resource_threshold_cpu_high"`
	ResourceThresholdMemHigh  float64 `mapstructure:"resource_threshold_mem_high"`
	ResourceThresholdDiskHigh float64 `mapstructure:"resource_threshold_disk_high"`

	// LocalTools extends the built-in local tool catalog used by
	// privacy scoring.
	LocalTools []string `mapstructure:"local_tools"`
}

// Weights returns the three scoring weights in contract order.
func (a AllocatorConfig) Weights() (tool, resources, privacy float64) {
	return a.WeightToolMatch, a.WeightResources, a.WeightPrivacy
}

// EvaluationConfig holds the external evaluator client options.
type EvaluationConfig struct {
	// Threshold is the overall score below which a checkpoint triggers.
	Threshold float64 `mapstructure:"threshold"`
	// URL of the evaluator service; empty disables the client.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReviewConfig holds the review-chain knobs.
type ReviewConfig struct {
	// ScoreThreshold is the review score below which a fix is spawned.
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	// MaxFixCycles bounds review/fix alternation before escalation.
	MaxFixCycles int `mapstructure:"max_fix_cycles"`
	// PriorityBumpReview and PriorityBumpFix raise spawned subtasks
	// above fresh template work.
	PriorityBumpReview int `mapstructure:"priority_bump_review"`
	PriorityBumpFix    int `mapstructure:"priority_bump_fix"`
}

// CheckpointConfig gates and tunes the checkpoint triggers.
type CheckpointConfig struct {
	// SubtaskInterval is the completion count between periodic
	// checkpoints for high-frequency tasks.
	SubtaskInterval     int `mapstructure:"subtask_interval"`
	MaxCorrectionCycles int `mapstructure:"max_correction_cycles"`
	TimeoutHours        int `mapstructure:"timeout_hours"`

	EnableErrorTrigger      bool `mapstructure:"enable_error_trigger"`
	EnableEvaluationTrigger bool `mapstructure:"enable_evaluation_trigger"`
	EnablePeriodicTrigger   bool `mapstructure:"enable_periodic_trigger"`
	EnableTimeoutTrigger    bool `mapstructure:"enable_timeout_trigger"`

	// EscalatorInterval is the cadence of the timeout sweep.
	EscalatorInterval time.Duration `mapstructure:"escalator_interval"`
}

// Timeout returns the wall-clock budget as a duration.
func (c CheckpointConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutHours) * time.Hour
}

// TemplatesConfig locates user decomposition templates layered over the
// built-in set.
type TemplatesConfig struct {
	// Dir is watched for changes; empty disables user templates.
	Dir string `mapstructure:"dir"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// MetricsConfig gates the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:         ":8420",
			CORSAllowedOrigins: []string{"*"},
			ShutdownTimeout:    15 * time.Second,
		},
		Log: log.Config{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Path: "loom.db",
		},
		Coordinator: CoordinatorConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Auth: AuthConfig{
			AccessTokenTTL: time.Hour,
		},
		Worker: WorkerConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:                   30 * time.Second,
			MaxConcurrentSubtasks:      20,
			MaxSubtasksPerWorker:       1,
			MaxQueueAllocationAttempts: 50,
			ReconcileInterval:          5 * time.Minute,
			LockTTL:                    time.Minute,
		},
		Allocator: AllocatorConfig{
			WeightToolMatch:           0.5,
			WeightResources:           0.3,
			WeightPrivacy:             0.2,
			ResourceThresholdCPUHigh:  90,
			ResourceThresholdMemHigh:  90,
			ResourceThresholdDiskHigh: 95,
		},
		Evaluation: EvaluationConfig{
			Threshold: 7.0,
			Timeout:   30 * time.Second,
		},
		Review: ReviewConfig{
			ScoreThreshold:     6.0,
			MaxFixCycles:       2,
			PriorityBumpReview: 10,
			PriorityBumpFix:    20,
		},
		Checkpoint: CheckpointConfig{
			SubtaskInterval:         1,
			MaxCorrectionCycles:     3,
			TimeoutHours:            24,
			EnableErrorTrigger:      true,
			EnableEvaluationTrigger: true,
			EnablePeriodicTrigger:   true,
			EnableTimeoutTrigger:    true,
			EscalatorInterval:       5 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks ranges and enum values. Empty values that have
// defaults are filled by Defaults() before this runs, so everything
// here is a hard error.
func Validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	switch cfg.Coordinator.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("coordinator.backend must be \"redis\" or \"memory\", got %q", cfg.Coordinator.Backend)
	}
	if cfg.Coordinator.Backend == "redis" && cfg.Coordinator.Redis.Addr == "" {
		return fmt.Errorf("coordinator.redis.addr is required for the redis backend")
	}

	if cfg.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be positive, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Worker.HeartbeatTimeout < cfg.Worker.HeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_timeout (%v) must be at least heartbeat_interval (%v)",
			cfg.Worker.HeartbeatTimeout, cfg.Worker.HeartbeatInterval)
	}

	if cfg.Scheduler.MaxConcurrentSubtasks < 1 {
		return fmt.Errorf("scheduler.max_concurrent_subtasks must be at least 1, got %d", cfg.Scheduler.MaxConcurrentSubtasks)
	}
	if cfg.Scheduler.MaxSubtasksPerWorker < 1 {
		return fmt.Errorf("scheduler.max_subtasks_per_worker must be at least 1, got %d", cfg.Scheduler.MaxSubtasksPerWorker)
	}
	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", cfg.Scheduler.Interval)
	}

	for name, w := range map[string]float64{
		"allocator.weight_tool_match": cfg.Allocator.WeightToolMatch,
		"allocator.weight_resources":  cfg.Allocator.WeightResources,
		"allocator.weight_privacy":    cfg.Allocator.WeightPrivacy,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", name, w)
		}
	}
	if cfg.Allocator.WeightToolMatch+cfg.Allocator.WeightResources+cfg.Allocator.WeightPrivacy == 0 {
		return fmt.Errorf("allocator weights must not all be zero")
	}

	if cfg.Evaluation.Threshold < 0 || cfg.Evaluation.Threshold > 10 {
		return fmt.Errorf("evaluation.threshold must be in [0,10], got %v", cfg.Evaluation.Threshold)
	}
	if cfg.Review.ScoreThreshold < 0 || cfg.Review.ScoreThreshold > 10 {
		return fmt.Errorf("review.score_threshold must be in [0,10], got %v", cfg.Review.ScoreThreshold)
	}
	if cfg.Review.MaxFixCycles < 0 {
		return fmt.Errorf("review.max_fix_cycles must be non-negative, got %d", cfg.Review.MaxFixCycles)
	}

	if cfg.Checkpoint.MaxCorrectionCycles < 1 {
		return fmt.Errorf("checkpoint.max_correction_cycles must be at least 1, got %d", cfg.Checkpoint.MaxCorrectionCycles)
	}
	if cfg.Checkpoint.SubtaskInterval < 1 {
		return fmt.Errorf("checkpoint.subtask_interval must be at least 1, got %d", cfg.Checkpoint.SubtaskInterval)
	}

	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}
