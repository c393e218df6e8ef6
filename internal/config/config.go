package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"   validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Classifier ClassifierConfig `mapstructure:"classifier" validate:"required"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"   validate:"required"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains settings for the durable (relational) tier.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig contains settings for the cache tier. An empty URL disables
// the cache tier entirely; the queue and rate limiter then run against the
// relational tier only.
type RedisConfig struct {
	URL            string `mapstructure:"url"`
	UseQueue       bool   `mapstructure:"use_queue"`
	UseRateLimiter bool   `mapstructure:"use_rate_limiter"`
}

// ClassifierConfig contains settings for the external classification call.
type ClassifierConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name"     validate:"required"`
	// CostEstimate is the expected cost units (model tokens) consumed by a
	// single classification request. Used for rate-limiter reservations and
	// capacity derivation.
	CostEstimate int `mapstructure:"cost_estimate" validate:"required,gt=0"`
}

// DispatchConfig contains tuning knobs for the scheduler, workers and the
// billing reconciler.
type DispatchConfig struct {
	SchedulerInterval   time.Duration `mapstructure:"scheduler_interval"    validate:"required"`
	CapacityInterval    time.Duration `mapstructure:"capacity_interval"     validate:"required"`
	IdleBackoff         time.Duration `mapstructure:"idle_backoff"          validate:"required"`
	GateBackoff         time.Duration `mapstructure:"gate_backoff"          validate:"required"`
	RateBackoff         time.Duration `mapstructure:"rate_backoff"          validate:"required"`
	ReconcilerInterval  time.Duration `mapstructure:"reconciler_interval"   validate:"required"`
	ReconcilerBatchSize int           `mapstructure:"reconciler_batch_size" validate:"required,gt=0"`
	AccumulatorInterval time.Duration `mapstructure:"accumulator_interval"  validate:"required"`
	// DefaultItemPrice is the balance cost charged per successfully
	// classified item when no per-item price is available.
	DefaultItemPrice float64 `mapstructure:"default_item_price" validate:"gte=0"`
}
