package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config file.
// Environment variables (prefix PAPERQ_) take precedence over values from the
// config file, which in turn override the built-in defaults.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file: paperq.yaml in the working directory.
	v.SetConfigName("paperq")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing file is fine; env vars and defaults still apply.
	}

	v.SetEnvPrefix("PAPERQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")

	// Empty defaults so viper binds the env vars during Unmarshal; the
	// validator rejects them when they stay empty.
	v.SetDefault("database.url", "")
	v.SetDefault("classifier.gemini_api_key", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.use_queue", true)
	v.SetDefault("redis.use_rate_limiter", true)

	v.SetDefault("classifier.model_name", "gemini-2.0-flash")
	v.SetDefault("classifier.cost_estimate", 400)

	v.SetDefault("dispatch.scheduler_interval", 500*time.Millisecond)
	v.SetDefault("dispatch.capacity_interval", 2*time.Second)
	v.SetDefault("dispatch.idle_backoff", 300*time.Millisecond)
	v.SetDefault("dispatch.gate_backoff", 500*time.Millisecond)
	v.SetDefault("dispatch.rate_backoff", 200*time.Millisecond)
	v.SetDefault("dispatch.reconciler_interval", time.Second)
	v.SetDefault("dispatch.reconciler_batch_size", 2000)
	v.SetDefault("dispatch.accumulator_interval", time.Second)
	v.SetDefault("dispatch.default_item_price", 1.0)
}
