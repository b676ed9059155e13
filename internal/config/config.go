package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pulseboard/agentbridge/internal/models"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	DLQ         DLQConfig         `mapstructure:"dlq"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Freshness   FreshnessConfig   `mapstructure:"freshness"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Validation  ValidationConfig  `mapstructure:"validation"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WebhookConfig struct {
	Secret             string        `mapstructure:"secret"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
}

type IngestionConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
	// EventRetentionDays bounds how long raw webhook events stay in the
	// primary store before the janitor prunes them.
	EventRetentionDays int `mapstructure:"event_retention_days"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NatsURL string `mapstructure:"nats_url"`
}

type AuditConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	IndexPrefix   string `mapstructure:"index_prefix"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RetryableStatuses []int         `mapstructure:"retryable_statuses"`
}

type FreshnessConfig struct {
	FreshHours         float64       `mapstructure:"fresh_hours"`
	StaleHours         float64       `mapstructure:"stale_hours"`
	CriticalHours      float64       `mapstructure:"critical_hours"`
	RefreshConcurrency int           `mapstructure:"refresh_concurrency"`
	RefreshTimeout     time.Duration `mapstructure:"refresh_timeout"`
	SweepEnabled       bool          `mapstructure:"sweep_enabled"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type ConsistencyConfig struct {
	DriftThresholdHours float64 `mapstructure:"drift_threshold_hours"`
}

type ValidationConfig struct {
	ReceptionTargetPercent float64       `mapstructure:"reception_target_percent"`
	ConsistencyMinPercent  float64       `mapstructure:"consistency_min_percent"`
	FinalizeTimeout        time.Duration `mapstructure:"finalize_timeout"`
	TriggerCollapseWindow  time.Duration `mapstructure:"trigger_collapse_window"`
}

type PlatformConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("webhook.timestamp_tolerance", "5m")
	v.SetDefault("webhook.max_body_bytes", 1048576)
	v.SetDefault("ingestion.queue_size", 10000)
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.event_retention_days", 60)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.rate_limit_requests", 10000)
	v.SetDefault("redis.rate_limit_window", "1m")
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.url", "https://localhost:9200")
	v.SetDefault("audit.username", "admin")
	v.SetDefault("audit.tls_skip_verify", true)
	v.SetDefault("audit.index_prefix", "bridge-audit")
	v.SetDefault("audit.retention_days", 60)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "8s")
	v.SetDefault("retry.retryable_statuses", []int{408, 429, 500, 502, 503, 504})
	v.SetDefault("freshness.fresh_hours", 24.0)
	v.SetDefault("freshness.stale_hours", 72.0)
	v.SetDefault("freshness.critical_hours", 96.0)
	v.SetDefault("freshness.refresh_concurrency", 3)
	v.SetDefault("freshness.refresh_timeout", "300s")
	v.SetDefault("freshness.sweep_enabled", true)
	v.SetDefault("freshness.sweep_interval", "15m")
	v.SetDefault("consistency.drift_threshold_hours", 48.0)
	v.SetDefault("validation.reception_target_percent", 100.0)
	v.SetDefault("validation.consistency_min_percent", 80.0)
	v.SetDefault("validation.finalize_timeout", "90s")
	v.SetDefault("validation.trigger_collapse_window", "60s")
	v.SetDefault("platform.url", "http://localhost:8070")
	v.SetDefault("platform.timeout", "30s")
	v.SetDefault("alerting.timeout", "10s")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentbridge")
	}

	// Environment variables override
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces startup invariants. A failure here is fatal: the service
// refuses to start rather than run with a missing secret or nonsense
// thresholds.
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return &models.ConfigurationError{Field: "webhook.secret", Reason: "shared webhook secret is required"}
	}
	if c.Webhook.TimestampTolerance <= 0 {
		return &models.ConfigurationError{Field: "webhook.timestamp_tolerance", Reason: "must be positive"}
	}
	if c.Freshness.FreshHours <= 0 || c.Freshness.StaleHours <= c.Freshness.FreshHours {
		return &models.ConfigurationError{Field: "freshness", Reason: "thresholds must satisfy 0 < fresh_hours < stale_hours"}
	}
	if c.Freshness.CriticalHours < c.Freshness.StaleHours {
		return &models.ConfigurationError{Field: "freshness.critical_hours", Reason: "must be >= stale_hours"}
	}
	if c.Freshness.RefreshConcurrency < 1 {
		return &models.ConfigurationError{Field: "freshness.refresh_concurrency", Reason: "must be at least 1"}
	}
	if c.Retry.MaxRetries < 0 {
		return &models.ConfigurationError{Field: "retry.max_retries", Reason: "must not be negative"}
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return &models.ConfigurationError{Field: "retry", Reason: "delays must satisfy 0 < base_delay <= max_delay"}
	}
	if c.Validation.ConsistencyMinPercent < 0 || c.Validation.ConsistencyMinPercent > 100 {
		return &models.ConfigurationError{Field: "validation.consistency_min_percent", Reason: "must be between 0 and 100"}
	}
	if c.Ingestion.EventRetentionDays < 30 || c.Ingestion.EventRetentionDays > 90 {
		return &models.ConfigurationError{Field: "ingestion.event_retention_days", Reason: "must be between 30 and 90"}
	}
	if c.Database.Enabled && c.Database.URL == "" {
		return &models.ConfigurationError{Field: "database.url", Reason: "required when database is enabled"}
	}
	if c.Audit.Enabled {
		if c.Audit.RetentionDays < 30 || c.Audit.RetentionDays > 90 {
			return &models.ConfigurationError{Field: "audit.retention_days", Reason: "must be between 30 and 90"}
		}
	}
	return nil
}
