// Package vertex implements ai.Analyzer on Gemini models served by Vertex AI.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

const defaultModel = "gemini-1.5-pro"

type Client struct {
	base     *genai.Client
	analysis *genai.GenerativeModel
	chat     *genai.GenerativeModel
	model    string
	logger   *slog.Logger
}

// NewClient configures one JSON model for analysis and one plain-text model
// for chat.
func NewClient(ctx context.Context, project, region, model string, temperature float32, logger *slog.Logger) (*Client, error) {
	if project == "" || region == "" {
		return nil, errors.New("vertex: project and region cannot be empty")
	}
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, err := genai.NewClient(ctx, project, region)
	if err != nil {
		return nil, ai.ServiceError(ai.ProviderVertex, "connect", err)
	}

	analysis := base.GenerativeModel(model)
	analysis.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(ai.AnalysisSystemPrompt())}}
	analysis.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(temperature),
	}

	chat := base.GenerativeModel(model)
	chat.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(ai.ChatSystemPrompt())}}
	chat.GenerationConfig = genai.GenerationConfig{Temperature: genai.Ptr(temperature)}

	return &Client{base: base, analysis: analysis, chat: chat, model: model, logger: logger}, nil
}

// Factory adapts NewClient to ai.Factory.
func Factory(ctx context.Context, cfg common.AIConfig, logger *slog.Logger) (ai.Analyzer, error) {
	return NewClient(ctx, cfg.VertexProject, cfg.VertexRegion, cfg.Model, cfg.Temperature, logger)
}

func (c *Client) Name() string { return ai.ProviderVertex }

func (c *Client) Close() error { return c.base.Close() }

func (c *Client) AnalyzeBatch(ctx context.Context, docs []ai.DocumentDigest) (ai.Result, error) {
	start := time.Now()
	resp, err := c.analysis.GenerateContent(ctx,
		genai.Text(ai.BuildDigestPrompt(docs)),
		genai.Text(ai.SchemaPrompt()),
	)
	if err != nil {
		c.logger.Error("ai.vertex.analyze.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return ai.Result{}, ai.ServiceError(ai.ProviderVertex, "analyze", err)
	}
	content, err := responseText(resp)
	if err != nil {
		return ai.Result{}, ai.ServiceError(ai.ProviderVertex, "analyze", err)
	}

	res, dropped, err := ai.DecodeResult([]byte(content))
	if err != nil {
		c.logger.Error("ai.vertex.analyze.schema_validation_failed", "error", err, "content", content)
		return ai.Result{}, ai.ServiceError(ai.ProviderVertex, "analyze", err)
	}
	if len(dropped) > 0 {
		c.logger.Warn("ai.vertex.analyze.lenient_sanitize_applied", "dropped", dropped)
	}
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	res.Metadata["provider"] = ai.ProviderVertex
	res.Metadata["model"] = c.model

	c.logger.Info("ai.vertex.analyze.ok", "documents", len(docs), "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (c *Client) Chat(ctx context.Context, docs []ai.DocumentDigest, question string) (string, error) {
	resp, err := c.chat.GenerateContent(ctx, genai.Text(ai.BuildDigestPrompt(docs)), genai.Text(question))
	if err != nil {
		return "", ai.ServiceError(ai.ProviderVertex, "chat", err)
	}
	answer, err := responseText(resp)
	if err != nil {
		return "", ai.ServiceError(ai.ProviderVertex, "chat", err)
	}
	return answer, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty response")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("no text parts (finish reason %v)", resp.Candidates[0].FinishReason)
	}
	return out, nil
}
