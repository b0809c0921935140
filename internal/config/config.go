// Package config loads and validates the process configuration: defaults,
// then an optional YAML file, then CC_TELEGRAM_* environment overrides.
// The resulting Config is immutable; live updates go through the Manager.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/cctelegram/mcp-bridge/internal/sanitize"
)

type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Buffers   BufferConfig    `yaml:"buffers"`
	Health    HealthConfig    `yaml:"health"`
	Security  SecurityConfig  `yaml:"security"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

type PathsConfig struct {
	EventsDir    string `yaml:"events_dir" validate:"required"`
	ResponsesDir string `yaml:"responses_dir" validate:"required"`
}

type ServerConfig struct {
	// ObsAddr enables the local observability HTTP server when non-empty,
	// e.g. "127.0.0.1:9090".
	ObsAddr string `yaml:"obs_addr"`
	Env     string `yaml:"env"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// DefaultAPIKey is a plaintext development key mapped to client "default".
	DefaultAPIKey string `yaml:"default_api_key"`
	// Keys maps client id to a bcrypt hash of its API key.
	Keys map[string]string `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	WindowMs    int  `yaml:"window_ms" validate:"min=0"`
	MaxRequests int  `yaml:"max_requests" validate:"min=0"`
	GlobalMax   int  `yaml:"global_max" validate:"min=0"`
	PerToolMax  int  `yaml:"per_tool_max" validate:"min=0"`
	BurstMax    int  `yaml:"burst_max" validate:"min=0"`
	BurstMs     int  `yaml:"burst_ms" validate:"min=0"`
}

type LoggingConfig struct {
	Level         string            `yaml:"level" validate:"omitempty,oneof=debug info warn error fatal"`
	Format        string            `yaml:"format" validate:"omitempty,oneof=json pretty simple"`
	Secure        bool              `yaml:"secure"`
	RedactKeys    []string          `yaml:"redact_keys"`
	RedactRegexes map[string]string `yaml:"redact_regexes"`
	AggWindowS    int               `yaml:"aggregation_window_s" validate:"min=0"`
	AggThreshold  int               `yaml:"aggregation_threshold" validate:"min=0"`
}

// HTTPConfig carries per-purpose client timeouts in milliseconds.
type HTTPConfig struct {
	HealthTimeoutMs  int `yaml:"health_timeout_ms" validate:"min=0"`
	StatusTimeoutMs  int `yaml:"status_timeout_ms" validate:"min=0"`
	PollingTimeoutMs int `yaml:"polling_timeout_ms" validate:"min=0"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms" validate:"min=0"`
	MaxIdlePerHost   int `yaml:"max_idle_per_host" validate:"min=0"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"min=0"`
	BaseDelayMs int `yaml:"base_delay_ms" validate:"min=0"`
	MaxDelayMs  int `yaml:"max_delay_ms" validate:"min=0"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" validate:"min=0"`
	RecoveryTimeoutS int `yaml:"recovery_timeout_s" validate:"min=0"`
	SuccessThreshold int `yaml:"success_threshold" validate:"min=0"`
}

type BufferConfig struct {
	MaxPoolSize         int `yaml:"max_pool_size" validate:"min=0"`
	GCIntervalS         int `yaml:"gc_interval_s" validate:"min=0"`
	PressureThresholdMB int `yaml:"pressure_threshold_mb" validate:"min=0"`
	PooledCutoffBytes   int `yaml:"pooled_cutoff_bytes" validate:"min=0"`
}

type HealthConfig struct {
	IntervalS         int `yaml:"interval_s" validate:"min=0"`
	FailureThreshold  int `yaml:"failure_threshold" validate:"min=0"`
	RecoveryThreshold int `yaml:"recovery_threshold" validate:"min=0"`
}

type SecurityConfig struct {
	Enabled            bool              `yaml:"enabled"`
	SuspiciousPatterns map[string]string `yaml:"suspicious_patterns"`
	BlockDurationS     int               `yaml:"block_duration_s" validate:"min=0"`
	BaselineMinEvents  int               `yaml:"baseline_min_events" validate:"min=0"`
}

type AlertingConfig struct {
	RulesFile           string `yaml:"rules_file"`
	ChannelsFile        string `yaml:"channels_file"`
	DedupWindowS        int    `yaml:"dedup_window_s" validate:"min=0"`
	MaxAlertsPerMinute  int    `yaml:"max_alerts_per_minute" validate:"min=0"`
	EscalationIntervalS int    `yaml:"escalation_interval_s" validate:"min=0"`
	QueueSize           int    `yaml:"queue_size" validate:"min=0"`
}

type BridgeConfig struct {
	Executable   string   `yaml:"executable" validate:"required"`
	HealthPort   int      `yaml:"health_port" validate:"min=1,max=65535"`
	EnvFiles     []string `yaml:"env_files"`
	StartRetries int      `yaml:"start_retries" validate:"min=1"`
	ReadyWaitS   int      `yaml:"ready_wait_s" validate:"min=1"`
	StatusTTLS   int      `yaml:"status_ttl_s" validate:"min=1"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio" validate:"min=0,max=1"`
}

type TasksConfig struct {
	TaskmasterRelPath string `yaml:"taskmaster_rel_path"`
	TodosDir          string `yaml:"todos_dir"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			EventsDir:    "~/.cc_telegram/events",
			ResponsesDir: "~/.cc_telegram/responses",
		},
		Server: ServerConfig{Env: "production"},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			WindowMs:    60_000,
			MaxRequests: 100,
			GlobalMax:   1000,
			PerToolMax:  60,
			BurstMax:    20,
			BurstMs:     10_000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			Secure:       true,
			AggWindowS:   60,
			AggThreshold: 10,
		},
		HTTP: HTTPConfig{
			HealthTimeoutMs:  2_000,
			StatusTimeoutMs:  3_000,
			PollingTimeoutMs: 10_000,
			DefaultTimeoutMs: 30_000,
			MaxIdlePerHost:   4,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 200,
			MaxDelayMs:  10_000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeoutS: 30,
			SuccessThreshold: 2,
		},
		Buffers: BufferConfig{
			MaxPoolSize:         64,
			GCIntervalS:         30,
			PressureThresholdMB: 256,
			PooledCutoffBytes:   1024,
		},
		Health: HealthConfig{
			IntervalS:         30,
			FailureThreshold:  3,
			RecoveryThreshold: 2,
		},
		Security: SecurityConfig{
			Enabled:           true,
			BlockDurationS:    3600,
			BaselineMinEvents: 10,
		},
		Alerting: AlertingConfig{
			DedupWindowS:        300,
			MaxAlertsPerMinute:  10,
			EscalationIntervalS: 60,
			QueueSize:           256,
		},
		Bridge: BridgeConfig{
			Executable:   "cctelegram-bridge",
			HealthPort:   8080,
			EnvFiles:     []string{".env", "~/.cc_telegram/.env"},
			StartRetries: 3,
			ReadyWaitS:   10,
			StatusTTLS:   30,
		},
		Tracing: TracingConfig{SampleRatio: 1.0},
		Tasks: TasksConfig{
			TaskmasterRelPath: ".taskmaster/tasks/tasks.json",
			TodosDir:          "~/.cc_todos",
		},
	}
}

// Load builds the effective configuration. path may be empty; a missing file
// at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.Paths.EventsDir = sanitize.ExpandHome(cfg.Paths.EventsDir)
	cfg.Paths.ResponsesDir = sanitize.ExpandHome(cfg.Paths.ResponsesDir)
	cfg.Tasks.TodosDir = sanitize.ExpandHome(cfg.Tasks.TodosDir)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints. Exposed so Reload callers can validate
// candidate configs before swapping them in.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Paths.EventsDir, "CC_TELEGRAM_EVENTS_DIR")
	setString(&cfg.Paths.ResponsesDir, "CC_TELEGRAM_RESPONSES_DIR")
	setInt(&cfg.Bridge.HealthPort, "CC_TELEGRAM_HEALTH_PORT")
	setString(&cfg.Bridge.Executable, "CC_TELEGRAM_BRIDGE_EXECUTABLE")
	setString(&cfg.Server.ObsAddr, "CC_TELEGRAM_OBS_ADDR")
	setString(&cfg.Logging.Level, "CC_TELEGRAM_LOG_LEVEL")
	setString(&cfg.Logging.Format, "CC_TELEGRAM_LOG_FORMAT")
	setBool(&cfg.Logging.Secure, "CC_TELEGRAM_SECURE_LOGGING")
	setBool(&cfg.Auth.Enabled, "CC_TELEGRAM_ENABLE_AUTH")
	setString(&cfg.Auth.DefaultAPIKey, "CC_TELEGRAM_API_KEY")
	setBool(&cfg.RateLimit.Enabled, "CC_TELEGRAM_ENABLE_RATE_LIMIT")
	setString(&cfg.Redis.Addr, "CC_TELEGRAM_REDIS_ADDR")
	setBool(&cfg.Tracing.Enabled, "CC_TELEGRAM_ENABLE_TRACING")
	setString(&cfg.Tracing.OTLPEndpoint, "CC_TELEGRAM_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Duration accessors. YAML carries unit-suffixed integers.

func (c HTTPConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMs) * time.Millisecond
}
func (c HTTPConfig) StatusTimeout() time.Duration {
	return time.Duration(c.StatusTimeoutMs) * time.Millisecond
}
func (c HTTPConfig) PollingTimeout() time.Duration {
	return time.Duration(c.PollingTimeoutMs) * time.Millisecond
}
func (c HTTPConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutS) * time.Second
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}
func (c RateLimitConfig) BurstWindow() time.Duration {
	return time.Duration(c.BurstMs) * time.Millisecond
}

func (c BridgeConfig) ReadyWait() time.Duration { return time.Duration(c.ReadyWaitS) * time.Second }
func (c BridgeConfig) StatusTTL() time.Duration { return time.Duration(c.StatusTTLS) * time.Second }

// HealthURL is the external bridge's health endpoint.
func (c BridgeConfig) HealthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", c.HealthPort)
}

// MetricsURL is the external bridge's Prometheus endpoint.
func (c BridgeConfig) MetricsURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", c.HealthPort)
}
