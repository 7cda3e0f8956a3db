// internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Consent  ConsentConfig  `mapstructure:"consent" yaml:"consent"`
	UEBA     UEBAConfig     `mapstructure:"ueba" yaml:"ueba"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
}

// LoggerConfig configures the zap logger and file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig tunes the dispatcher and the per-step retry policy.
type EngineConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	StepTimeout       time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	BusBufferSize     int           `mapstructure:"bus_buffer_size" yaml:"bus_buffer_size"`
	// TaskRetention bounds how many settled tasks stay queryable in memory;
	// the oldest settled task is evicted when the window fills.
	TaskRetention int `mapstructure:"task_retention" yaml:"task_retention"`
}

// ConsentConfig controls the consent gate. Emergency tasks use the shorter
// window; the signing key is optional and only enforced when set.
type ConsentConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	EmergencyTimeout time.Duration `mapstructure:"emergency_timeout" yaml:"emergency_timeout"`
	SigningKey       string        `mapstructure:"signing_key" yaml:"-"`
}

// UEBAConfig parameterizes risk scoring. The weights and thresholds are a
// tunable default, not a calibration artifact.
type UEBAConfig struct {
	ColdStartN     int     `mapstructure:"cold_start_n" yaml:"cold_start_n"`
	EMAAlpha       float64 `mapstructure:"ema_alpha" yaml:"ema_alpha"`
	ToolWeight     float64 `mapstructure:"tool_weight" yaml:"tool_weight"`
	ScopeWeight    float64 `mapstructure:"scope_weight" yaml:"scope_weight"`
	RateWeight     float64 `mapstructure:"rate_weight" yaml:"rate_weight"`
	FlagThreshold  float64 `mapstructure:"flag_threshold" yaml:"flag_threshold"`
	BlockThreshold float64 `mapstructure:"block_threshold" yaml:"block_threshold"`
	// AuditRetention bounds the per-handler record history kept in memory.
	AuditRetention int `mapstructure:"audit_retention" yaml:"audit_retention"`
}

// NotifyConfig rate-limits the fire-and-forget notification sink.
type NotifyConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// DatabaseConfig enables optional Postgres persistence of the audit trail.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// LLMConfig selects the decision backend for handlers. Provider "rules"
// keeps everything hermetic; "gemini" routes through the GenAI API.
type LLMConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// SetDefaults installs default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "fleetmind")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.step_timeout", "30s")
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_base_delay", "200ms")
	v.SetDefault("engine.retry_max_delay", "5s")
	v.SetDefault("engine.bus_buffer_size", 128)
	v.SetDefault("engine.task_retention", 1024)

	v.SetDefault("consent.timeout", "24h")
	v.SetDefault("consent.emergency_timeout", "5m")

	v.SetDefault("ueba.cold_start_n", 10)
	v.SetDefault("ueba.ema_alpha", 0.1)
	v.SetDefault("ueba.tool_weight", 0.5)
	v.SetDefault("ueba.scope_weight", 0.3)
	v.SetDefault("ueba.rate_weight", 0.2)
	v.SetDefault("ueba.flag_threshold", 4.0)
	v.SetDefault("ueba.block_threshold", 7.0)
	v.SetDefault("ueba.audit_retention", 500)

	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.burst", 10)

	v.SetDefault("database.enabled", false)

	v.SetDefault("llm.provider", "rules")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "45s")
}

// Load reads configuration from the given file (or the default search
// paths), the environment, and an optional .env file next to the process.
func Load(cfgFile string) (*Config, error) {
	// A .env file is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fleetmind"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("FLEETMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("llm.api_key", "FLEETMIND_LLM_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("consent.signing_key", "FLEETMIND_CONSENT_SIGNING_KEY")
	v.BindEnv("database.url", "FLEETMIND_DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be a positive integer")
	}
	if c.Engine.StepTimeout <= 0 {
		return fmt.Errorf("engine.step_timeout must be a positive duration")
	}
	if c.Engine.TaskRetention <= 0 {
		return fmt.Errorf("engine.task_retention must be a positive integer")
	}
	if err := c.UEBA.Validate(); err != nil {
		return fmt.Errorf("ueba configuration invalid: %w", err)
	}
	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.enabled is true")
	}
	if c.LLM.Provider != "rules" && c.LLM.Provider != "gemini" {
		return fmt.Errorf("llm.provider must be \"rules\" or \"gemini\", got %q", c.LLM.Provider)
	}
	return nil
}

// Validate checks the UEBA scoring parameters.
func (u *UEBAConfig) Validate() error {
	if u.ColdStartN < 0 {
		return fmt.Errorf("cold_start_n must be non-negative")
	}
	if u.EMAAlpha <= 0 || u.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be in (0, 1]")
	}
	if u.FlagThreshold >= u.BlockThreshold {
		return fmt.Errorf("flag_threshold must be below block_threshold")
	}
	if u.AuditRetention <= 0 {
		return fmt.Errorf("audit_retention must be a positive integer")
	}
	sum := u.ToolWeight + u.ScopeWeight + u.RateWeight
	if sum <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value")
	}
	return nil
}
