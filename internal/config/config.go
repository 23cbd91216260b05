// Package config loads and validates engine configuration from environment
// variables (with YAML file override support), following the contract in
// section 6 of the specification.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Otel       OtelConfig       `mapstructure:"otel"`
	Log        LogConfig        `mapstructure:"log"`
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	MinWorkers      int `mapstructure:"min_workers"`
	MaxWorkers      int `mapstructure:"max_workers"`
	WorkerTimeoutMs int `mapstructure:"worker_timeout_ms"`
	QueueSize       int `mapstructure:"queue_size"`
}

// ExecutionConfig configures step execution defaults.
type ExecutionConfig struct {
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	DefaultTimeoutMs   int           `mapstructure:"default_timeout_ms"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryBackoffMs     int64         `mapstructure:"retry_backoff_ms"`
	MaxBackoffMs       int64         `mapstructure:"max_backoff_ms"`
	RetryJitter        bool          `mapstructure:"retry_jitter"`
	SchedulerTick      time.Duration `mapstructure:"scheduler_tick"`
}

// WebhookConfig configures the HTTP ingress server.
type WebhookConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxPayloadSize int64  `mapstructure:"max_payload_size"`
	ShutdownMs     int    `mapstructure:"shutdown_ms"`
}

// StoreConfig configures the embedded database.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// RedisConfig configures the optional run cache. Empty URL disables it.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AMQPConfig configures the optional lifecycle event bus. Empty URL disables it.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// OtelConfig configures OpenTelemetry tracing. An empty endpoint exports
// spans to stdout instead of an OTLP collector.
type OtelConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from environment variables and an optional
// config file, applying defaults, then validates it.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/cronflow")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("dispatcher.min_workers", 2)
	viper.SetDefault("dispatcher.max_workers", 10)
	viper.SetDefault("dispatcher.worker_timeout_ms", 30000)
	viper.SetDefault("dispatcher.queue_size", 1000)

	viper.SetDefault("execution.max_concurrent_steps", 10)
	viper.SetDefault("execution.default_timeout_ms", 30000)
	viper.SetDefault("execution.retry_attempts", 3)
	viper.SetDefault("execution.retry_backoff_ms", 1000)
	viper.SetDefault("execution.max_backoff_ms", 30000)
	viper.SetDefault("execution.retry_jitter", true)
	viper.SetDefault("execution.scheduler_tick", "30s")

	viper.SetDefault("webhook.host", "127.0.0.1")
	viper.SetDefault("webhook.port", 3000)
	viper.SetDefault("webhook.max_connections", 1000)
	viper.SetDefault("webhook.max_payload_size", 10_000_000)
	viper.SetDefault("webhook.shutdown_ms", 5000)

	viper.SetDefault("store.db_path", "cronflow.db")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("amqp.exchange", "cronflow.events")

	viper.SetDefault("otel.service_name", "cronflow")

	viper.SetDefault("log.level", "info")
}

func bindEnvVars() {
	viper.BindEnv("dispatcher.min_workers", "MIN_WORKERS")
	viper.BindEnv("dispatcher.max_workers", "MAX_WORKERS")
	viper.BindEnv("dispatcher.worker_timeout_ms", "WORKER_TIMEOUT_MS")
	viper.BindEnv("dispatcher.queue_size", "QUEUE_SIZE")

	viper.BindEnv("execution.max_concurrent_steps", "MAX_CONCURRENT_STEPS")
	viper.BindEnv("execution.default_timeout_ms", "DEFAULT_TIMEOUT_MS")
	viper.BindEnv("execution.retry_attempts", "RETRY_ATTEMPTS")
	viper.BindEnv("execution.retry_backoff_ms", "RETRY_BACKOFF_MS")
	viper.BindEnv("execution.max_backoff_ms", "MAX_BACKOFF_MS")
	viper.BindEnv("execution.retry_jitter", "RETRY_JITTER")

	viper.BindEnv("webhook.host", "WEBHOOK_HOST")
	viper.BindEnv("webhook.port", "WEBHOOK_PORT")
	viper.BindEnv("webhook.max_connections", "WEBHOOK_MAX_CONNECTIONS")
	viper.BindEnv("webhook.max_payload_size", "MAX_PAYLOAD_SIZE")

	viper.BindEnv("store.db_path", "DB_PATH")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("amqp.url", "AMQP_URL")

	viper.BindEnv("otel.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("otel.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("log.level", "LOG_LEVEL")
}

func validate(cfg *Config) error {
	if cfg.Dispatcher.MinWorkers <= 0 {
		return fmt.Errorf("dispatcher.min_workers must be greater than 0")
	}
	if cfg.Dispatcher.MaxWorkers < cfg.Dispatcher.MinWorkers {
		return fmt.Errorf("dispatcher.max_workers must be >= min_workers")
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be greater than 0")
	}
	if cfg.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	return nil
}
