// Package config loads the control plane's YAML configuration (§6.4's
// recognised-keys surface), applies environment overrides, and exposes a
// fingerprint for change detection alongside the fsnotify-driven watcher in
// watcher.go.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DeadRunDetectionConfig configures C6's stale/zombie/overdue detectors and
// maintenance-lease cadence.
type DeadRunDetectionConfig struct {
	CheckIntervalSeconds      int  `yaml:"check_interval_seconds"`
	StaleRunThresholdMinutes  int  `yaml:"stale_run_threshold_minutes"`
	ZombieRunThresholdMinutes int  `yaml:"zombie_run_threshold_minutes"`
	MaxRunAgeHours            int  `yaml:"max_run_age_hours"`
	ForceKillOnTimeout        bool `yaml:"force_kill_on_timeout"`
	EnableAutoTermination     bool `yaml:"enable_auto_termination"`
}

// StageTimeoutConfig bounds how long a workflow node may occupy its stage
// before C5 dead-letters it.
type StageTimeoutConfig struct {
	DefaultTaskStageTimeoutMinutes     int `yaml:"default_task_stage_timeout_minutes"`
	DefaultApprovalStageTimeoutHours   int `yaml:"default_approval_stage_timeout_hours"`
	DefaultParallelStageTimeoutMinutes int `yaml:"default_parallel_stage_timeout_minutes"`
	MaxStageTimeoutHours               int `yaml:"max_stage_timeout_hours"`
}

// RuntimePoolConfig tunes C2's provisioning grace period and circuit
// breaker thresholds.
type RuntimePoolConfig struct {
	ProvisionGraceSeconds   int `yaml:"provision_grace_seconds"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerCooldownSeconds  int `yaml:"breaker_cooldown_seconds"`
}

// ObservabilityConfig configures the ambient tracing/metrics/logging stack.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

// Config is the control plane's full configuration surface (§6.4).
type Config struct {
	HomeDir string `yaml:"-"`

	MaxGlobalConcurrentRuns    int  `yaml:"max_global_concurrent_runs"`
	PerProjectConcurrencyLimit int  `yaml:"per_project_concurrency_limit"`
	EnablePerProjectLimit      bool `yaml:"enable_per_project_limit"`
	PerRepoConcurrencyLimit    int  `yaml:"per_repo_concurrency_limit"`

	DeadRunDetection DeadRunDetectionConfig `yaml:"dead_run_detection"`
	StageTimeout     StageTimeoutConfig     `yaml:"stage_timeout"`
	RuntimePool      RuntimePoolConfig      `yaml:"runtime_pool"`
	Observability    ObservabilityConfig    `yaml:"observability"`

	BindAddr string `yaml:"bind_addr"`

	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		MaxGlobalConcurrentRuns:    50,
		PerProjectConcurrencyLimit: 10,
		EnablePerProjectLimit:      false,
		PerRepoConcurrencyLimit:    5,
		BindAddr:                   "127.0.0.1:8089",
		DeadRunDetection: DeadRunDetectionConfig{
			CheckIntervalSeconds:      60,
			StaleRunThresholdMinutes:  30,
			ZombieRunThresholdMinutes: 120,
			MaxRunAgeHours:            24,
			ForceKillOnTimeout:        true,
			EnableAutoTermination:     true,
		},
		StageTimeout: StageTimeoutConfig{
			DefaultTaskStageTimeoutMinutes:     60,
			DefaultApprovalStageTimeoutHours:   24,
			DefaultParallelStageTimeoutMinutes: 90,
			MaxStageTimeoutHours:               48,
		},
		RuntimePool: RuntimePoolConfig{
			ProvisionGraceSeconds:   45,
			BreakerFailureThreshold: 5,
			BreakerCooldownSeconds:  300,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "",
			LogLevel:     "info",
		},
	}
}

// HomeDir returns the control plane's config directory, honoring
// AGENTORCH_HOME if set.
func HomeDir() string {
	if override := os.Getenv("AGENTORCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentorch")
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir(), applying defaults, environment
// overrides and validation. A missing config.yaml is not an error — it
// sets NeedsGenesis and proceeds with defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentorch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.MaxGlobalConcurrentRuns <= 0 {
		cfg.MaxGlobalConcurrentRuns = 50
	}
	if cfg.PerProjectConcurrencyLimit <= 0 {
		cfg.PerProjectConcurrencyLimit = 10
	}
	if cfg.PerRepoConcurrencyLimit <= 0 {
		cfg.PerRepoConcurrencyLimit = 5
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8089"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.DeadRunDetection.CheckIntervalSeconds <= 0 {
		cfg.DeadRunDetection.CheckIntervalSeconds = 60
	}
	if cfg.DeadRunDetection.StaleRunThresholdMinutes <= 0 {
		cfg.DeadRunDetection.StaleRunThresholdMinutes = 30
	}
	if cfg.DeadRunDetection.ZombieRunThresholdMinutes <= 0 {
		cfg.DeadRunDetection.ZombieRunThresholdMinutes = 120
	}
	if cfg.DeadRunDetection.MaxRunAgeHours <= 0 {
		cfg.DeadRunDetection.MaxRunAgeHours = 24
	}
	if cfg.StageTimeout.DefaultTaskStageTimeoutMinutes <= 0 {
		cfg.StageTimeout.DefaultTaskStageTimeoutMinutes = 60
	}
	if cfg.StageTimeout.DefaultApprovalStageTimeoutHours <= 0 {
		cfg.StageTimeout.DefaultApprovalStageTimeoutHours = 24
	}
	if cfg.StageTimeout.DefaultParallelStageTimeoutMinutes <= 0 {
		cfg.StageTimeout.DefaultParallelStageTimeoutMinutes = 90
	}
	if cfg.StageTimeout.MaxStageTimeoutHours <= 0 {
		cfg.StageTimeout.MaxStageTimeoutHours = 48
	}
	if cfg.RuntimePool.ProvisionGraceSeconds <= 0 {
		cfg.RuntimePool.ProvisionGraceSeconds = 45
	}
	if cfg.RuntimePool.BreakerFailureThreshold <= 0 {
		cfg.RuntimePool.BreakerFailureThreshold = 5
	}
	if cfg.RuntimePool.BreakerCooldownSeconds <= 0 {
		cfg.RuntimePool.BreakerCooldownSeconds = 300
	}
}

// validate rejects configurations that would silently misbehave rather
// than defaulting them away.
func validate(cfg *Config) error {
	if cfg.StageTimeout.DefaultApprovalStageTimeoutHours > cfg.StageTimeout.MaxStageTimeoutHours {
		return fmt.Errorf("stage_timeout.default_approval_stage_timeout_hours (%d) exceeds stage_timeout.max_stage_timeout_hours (%d)",
			cfg.StageTimeout.DefaultApprovalStageTimeoutHours, cfg.StageTimeout.MaxStageTimeoutHours)
	}
	return nil
}

// Fingerprint returns a stable hash of the active config, used by the
// watcher to decide whether a reload actually changed anything load-bearing.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "global=%d|project=%d|perproj=%v|repo=%d|stale=%d|zombie=%d|maxage=%d|forcekill=%v|autoterm=%v|provisiongrace=%d|breakerthresh=%d|breakercooldown=%d|otlp=%s|loglevel=%s",
		c.MaxGlobalConcurrentRuns, c.PerProjectConcurrencyLimit, c.EnablePerProjectLimit, c.PerRepoConcurrencyLimit,
		c.DeadRunDetection.StaleRunThresholdMinutes, c.DeadRunDetection.ZombieRunThresholdMinutes, c.DeadRunDetection.MaxRunAgeHours,
		c.DeadRunDetection.ForceKillOnTimeout, c.DeadRunDetection.EnableAutoTermination,
		c.RuntimePool.ProvisionGraceSeconds, c.RuntimePool.BreakerFailureThreshold, c.RuntimePool.BreakerCooldownSeconds,
		c.Observability.OTLPEndpoint, c.Observability.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// StaleThreshold returns DeadRunDetection.StaleRunThresholdMinutes as a
// time.Duration for internal/recovery.
func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.DeadRunDetection.StaleRunThresholdMinutes) * time.Minute
}

// ZombieThreshold returns DeadRunDetection.ZombieRunThresholdMinutes as a
// time.Duration for internal/recovery.
func (c Config) ZombieThreshold() time.Duration {
	return time.Duration(c.DeadRunDetection.ZombieRunThresholdMinutes) * time.Minute
}

// MaxRunAge returns DeadRunDetection.MaxRunAgeHours as a time.Duration for
// internal/recovery.
func (c Config) MaxRunAge() time.Duration {
	return time.Duration(c.DeadRunDetection.MaxRunAgeHours) * time.Hour
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTORCH_MAX_GLOBAL_CONCURRENT_RUNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxGlobalConcurrentRuns = v
		}
	}
	if raw := os.Getenv("AGENTORCH_PER_PROJECT_CONCURRENCY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PerProjectConcurrencyLimit = v
		}
	}
	if raw := os.Getenv("AGENTORCH_ENABLE_PER_PROJECT_LIMIT"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.EnablePerProjectLimit = v
		}
	}
	if raw := os.Getenv("AGENTORCH_PER_REPO_CONCURRENCY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PerRepoConcurrencyLimit = v
		}
	}
	if raw := os.Getenv("AGENTORCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTORCH_LOG_LEVEL"); raw != "" {
		cfg.Observability.LogLevel = raw
	}
	if raw := os.Getenv("AGENTORCH_OTLP_ENDPOINT"); raw != "" {
		cfg.Observability.OTLPEndpoint = raw
	}
	if raw := os.Getenv("AGENTORCH_DEAD_RUN_ENABLE_AUTO_TERMINATION"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DeadRunDetection.EnableAutoTermination = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.TelegramToken = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.TelegramChatID = v
		}
	}
}
