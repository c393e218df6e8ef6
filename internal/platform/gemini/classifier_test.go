package gemini

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/AsherLHJ/paperq/internal/config"
	"github.com/AsherLHJ/paperq/internal/worker"
)

func testConfig() config.ClassifierConfig {
	return config.ClassifierConfig{
		GeminiAPIKey: "test-key",
		ModelName:    "gemini-2.0-flash",
		CostEstimate: 400,
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Parts: []*genai.Part{{Text: text}},
				},
			},
		},
	}
}

func TestNewClassifier(t *testing.T) {
	t.Parallel()

	t.Run("valid configuration", func(t *testing.T) {
		t.Parallel()
		c, err := NewClassifier(slog.Default(), testConfig())
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("missing API key", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.GeminiAPIKey = ""
		_, err := NewClassifier(slog.Default(), cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing model name", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.ModelName = ""
		_, err := NewClassifier(slog.Default(), cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil logger", func(t *testing.T) {
		t.Parallel()
		_, err := NewClassifier(nil, testConfig())
		assert.Error(t, err)
	})
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	c, err := NewClassifier(slog.Default(), testConfig())
	require.NoError(t, err)

	t.Run("well-formed verdict", func(t *testing.T) {
		t.Parallel()
		resp := textResponse(`{"relevant": true, "reason": "studies the same protocol"}`)
		resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 512}

		verdict, err := c.parseResponse(resp)
		require.NoError(t, err)
		assert.True(t, verdict.Relevant)
		assert.Equal(t, "studies the same protocol", verdict.Reason)
		assert.InDelta(t, 512, verdict.CostUnits, 1e-9)
	})

	t.Run("nil response", func(t *testing.T) {
		t.Parallel()
		_, err := c.parseResponse(nil)
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("no candidates", func(t *testing.T) {
		t.Parallel()
		_, err := c.parseResponse(&genai.GenerateContentResponse{})
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("safety block", func(t *testing.T) {
		t.Parallel()
		resp := textResponse("")
		resp.Candidates[0].FinishReason = genai.FinishReasonSafety
		_, err := c.parseResponse(resp)
		assert.ErrorIs(t, err, ErrContentBlocked)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		t.Parallel()
		_, err := c.parseResponse(textResponse("certainly! here is my verdict:"))
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})
}

func TestPromptRendering(t *testing.T) {
	t.Parallel()

	c, err := NewClassifier(slog.Default(), testConfig())
	require.NoError(t, err)

	item := worker.Item{
		Key:      "10.1000/xyz",
		Title:    "Admission Control in Multi-Tenant Queues",
		Abstract: "We study fairness under shared capacity budgets.",
	}

	var buf bytes.Buffer
	require.NoError(t, c.prompt.Execute(&buf, item))
	rendered := buf.String()
	assert.Contains(t, rendered, item.Title)
	assert.Contains(t, rendered, item.Abstract)
	assert.Contains(t, rendered, `"relevant"`)
}
