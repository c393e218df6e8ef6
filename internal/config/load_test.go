package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults with required env vars", func(t *testing.T) {
		t.Setenv("PAPERQ_DATABASE_URL", "postgres://localhost:5432/paperq")
		t.Setenv("PAPERQ_CLASSIFIER_GEMINI_API_KEY", "test-key")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "info", cfg.Server.LogLevel)
		assert.Equal(t, 400, cfg.Classifier.CostEstimate)
		assert.Equal(t, 2000, cfg.Dispatch.ReconcilerBatchSize)
		assert.Equal(t, time.Second, cfg.Dispatch.ReconcilerInterval)
		assert.True(t, cfg.Redis.UseQueue)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("PAPERQ_DATABASE_URL", "postgres://localhost:5432/paperq")
		t.Setenv("PAPERQ_CLASSIFIER_GEMINI_API_KEY", "test-key")
		t.Setenv("PAPERQ_SERVER_LOG_LEVEL", "debug")
		t.Setenv("PAPERQ_CLASSIFIER_COST_ESTIMATE", "800")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.Server.LogLevel)
		assert.Equal(t, 800, cfg.Classifier.CostEstimate)
	})

	t.Run("missing database url fails validation", func(t *testing.T) {
		t.Setenv("PAPERQ_CLASSIFIER_GEMINI_API_KEY", "test-key")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("invalid log level fails validation", func(t *testing.T) {
		t.Setenv("PAPERQ_DATABASE_URL", "postgres://localhost:5432/paperq")
		t.Setenv("PAPERQ_CLASSIFIER_GEMINI_API_KEY", "test-key")
		t.Setenv("PAPERQ_SERVER_LOG_LEVEL", "loud")

		_, err := Load()
		assert.Error(t, err)
	})
}
