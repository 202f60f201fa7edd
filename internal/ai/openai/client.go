// Package openai implements ai.Analyzer on the OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Config for the OpenAI client.
type Config struct {
	APIKey      string
	BaseURL     string // default https://api.openai.com/v1
	Model       string
	Temperature float32
	Timeout     time.Duration
}

type Client struct {
	cfg    Config
	api    *goopenai.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = goopenai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{cfg: cfg, api: goopenai.NewClientWithConfig(oc), logger: logger}
}

// Factory adapts NewClient to ai.Factory.
func Factory(_ context.Context, cfg common.AIConfig, logger *slog.Logger) (ai.Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", common.ErrInvalidInput)
	}
	return NewClient(Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}, logger), nil
}

func (c *Client) Name() string { return ai.ProviderOpenAI }

func (c *Client) AnalyzeBatch(ctx context.Context, docs []ai.DocumentDigest) (ai.Result, error) {
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("ai.openai.analyze.start", "req_id", rid, "model", c.cfg.Model, "documents", len(docs))

	content, err := c.complete(ctx, goopenai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: ai.AnalysisSystemPrompt()},
			{Role: goopenai.ChatMessageRoleUser, Content: ai.BuildDigestPrompt(docs) + "\n\nReturn ONLY JSON that matches the provided schema."},
			{Role: goopenai.ChatMessageRoleSystem, Content: ai.SchemaPrompt()},
		},
	})
	if err != nil {
		c.logger.Error("ai.openai.analyze.http_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return ai.Result{}, ai.ServiceError(ai.ProviderOpenAI, "analyze", err)
	}

	res, dropped, err := ai.DecodeResult([]byte(content))
	if err != nil {
		c.logger.Error("ai.openai.analyze.schema_validation_failed", "req_id", rid, "error", err, "content", content,
			"elapsed_ms", time.Since(start).Milliseconds())
		return ai.Result{}, ai.ServiceError(ai.ProviderOpenAI, "analyze", err)
	}
	if len(dropped) > 0 {
		c.logger.Warn("ai.openai.analyze.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
	}
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	res.Metadata["provider"] = ai.ProviderOpenAI
	res.Metadata["model"] = c.cfg.Model

	c.logger.Info("ai.openai.analyze.ok", "req_id", rid, "recommendations", len(res.Recommendations),
		"elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (c *Client) Chat(ctx context.Context, docs []ai.DocumentDigest, question string) (string, error) {
	start := time.Now()
	answer, err := c.complete(ctx, goopenai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: ai.ChatSystemPrompt()},
			{Role: goopenai.ChatMessageRoleUser, Content: ai.BuildDigestPrompt(docs)},
			{Role: goopenai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		c.logger.Error("ai.openai.chat.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", ai.ServiceError(ai.ProviderOpenAI, "chat", err)
	}
	return answer, nil
}

func (c *Client) complete(ctx context.Context, req goopenai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in openai response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content (finish reason %s)", resp.Choices[0].FinishReason)
	}
	return content, nil
}
