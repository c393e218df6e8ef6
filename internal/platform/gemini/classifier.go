package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"text/template"

	"google.golang.org/genai"

	"github.com/AsherLHJ/paperq/internal/config"
	"github.com/AsherLHJ/paperq/internal/ratelimit"
	"github.com/AsherLHJ/paperq/internal/worker"
)

// defaultPromptTemplate asks for a strict-JSON relevance verdict so the
// response parses without post-processing.
const defaultPromptTemplate = `You are screening academic papers for relevance.

Title: {{.Title}}

Abstract: {{.Abstract}}

Decide whether this paper is relevant to the reader's research interests.
Respond with a single JSON object and nothing else:
{"relevant": true or false, "reason": "one short sentence"}`

// verdictSchema is the JSON shape the model is instructed to return.
type verdictSchema struct {
	Relevant bool   `json:"relevant"`
	Reason   string `json:"reason"`
}

// Classifier implements worker.Classifier over the Gemini API. Each rate
// account carries its own API key; the classifier keeps one client per key
// and creates them lazily.
type Classifier struct {
	logger *slog.Logger
	cfg    config.ClassifierConfig
	prompt *template.Template

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewClassifier creates a classifier from the given configuration. The
// configured API key serves as the fallback for acquisitions that carry no
// account (the fail-open path of the rate limiter).
func NewClassifier(logger *slog.Logger, cfg config.ClassifierConfig) (*Classifier, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	prompt, err := template.New("verdict").Parse(defaultPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", ErrInvalidConfig, err)
	}

	return &Classifier{
		logger:  logger,
		cfg:     cfg,
		prompt:  prompt,
		clients: make(map[string]*genai.Client),
	}, nil
}

var _ worker.Classifier = (*Classifier)(nil)

// Classify sends one paper to the model and maps the reply to a verdict.
// API transport errors come back unwrapped (transient, the worker pushes
// the task back); malformed or blocked responses come back wrapped with
// worker.Permanent.
func (c *Classifier) Classify(ctx context.Context, account *ratelimit.Account, item worker.Item) (*worker.Verdict, error) {
	apiKey := c.cfg.GeminiAPIKey
	accountName := "default"
	if account != nil && account.APIKey != "" {
		apiKey = account.APIKey
		accountName = account.Name
	}

	client, err := c.clientFor(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for account %s: %w", accountName, err)
	}

	var promptBuf bytes.Buffer
	if err := c.prompt.Execute(&promptBuf, item); err != nil {
		return nil, worker.Permanent(fmt.Errorf("failed to render prompt for item %q: %w", item.Key, err))
	}

	c.logger.DebugContext(ctx, "calling classification model",
		slog.String("item_key", item.Key),
		slog.String("account", accountName),
		slog.String("model", c.cfg.ModelName))

	resp, err := client.Models.GenerateContent(ctx, c.cfg.ModelName,
		genai.Text(promptBuf.String()),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		// Transport and quota errors are retryable.
		return nil, fmt.Errorf("model call for item %q: %w", item.Key, err)
	}

	verdict, err := c.parseResponse(resp)
	if err != nil {
		c.logger.WarnContext(ctx, "unusable model response",
			slog.String("item_key", item.Key),
			slog.String("error", err.Error()))
		return nil, worker.Permanent(fmt.Errorf("item %q: %w", item.Key, err))
	}
	if verdict.CostUnits == 0 {
		// The API reported no usage; fall back to the configured estimate
		// so rate windows and capacity stay grounded.
		verdict.CostUnits = float64(c.cfg.CostEstimate)
	}
	return verdict, nil
}

func (c *Classifier) parseResponse(resp *genai.GenerateContentResponse) (*worker.Verdict, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, ErrContentBlocked
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}

	var parsed verdictSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	verdict := &worker.Verdict{
		Relevant: parsed.Relevant,
		Reason:   parsed.Reason,
	}
	if resp.UsageMetadata != nil {
		verdict.CostUnits = float64(resp.UsageMetadata.TotalTokenCount)
	}
	return verdict, nil
}

// clientFor returns the cached client for the key, creating it on first
// use.
func (c *Classifier) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[apiKey]; ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	c.clients[apiKey] = client
	return client, nil
}
