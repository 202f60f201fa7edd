// Package ai defines the analysis backend the pipeline calls once a batch
// finished OCR, plus the pieces its providers share: the response schema,
// prompts and an offline summarizer.
package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

const (
	ProviderOpenAI  = "openai"
	ProviderVertex  = "vertex"
	ProviderOffline = "offline"
)

// InvoiceDigest is the part of an extracted invoice shown to the model.
type InvoiceDigest struct {
	Number      string `json:"invoice_number,omitempty"`
	Amount      string `json:"amount,omitempty"`
	InvoiceDate string `json:"invoice_date,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	PONumber    string `json:"po_number,omitempty"`
	Status      string `json:"status"`
}

// DocumentDigest is one processed document of a batch.
type DocumentDigest struct {
	DocumentID string         `json:"document_id"`
	FileName   string         `json:"file_name"`
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Invoice    *InvoiceDigest `json:"invoice,omitempty"`
}

// Result is the aggregate analysis of a batch.
type Result struct {
	Summary         string            `json:"summary"`
	Recommendations []string          `json:"recommendations"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Analyzer is what the pipeline depends on. Failures are *common.AIServiceError.
type Analyzer interface {
	Name() string
	AnalyzeBatch(ctx context.Context, docs []DocumentDigest) (Result, error)
	Chat(ctx context.Context, docs []DocumentDigest, question string) (string, error)
}

// Factory builds the providers that live in sub-packages, keyed by name.
type Factory func(ctx context.Context, cfg common.AIConfig, logger *slog.Logger) (Analyzer, error)

// New picks the analyzer for cfg.Provider. Offline is built in; other
// providers are looked up in factories.
func New(ctx context.Context, cfg common.AIConfig, logger *slog.Logger, factories map[string]Factory) (Analyzer, error) {
	if cfg.Provider == "" || cfg.Provider == ProviderOffline {
		return NewOffline(logger), nil
	}
	f, ok := factories[cfg.Provider]
	if !ok {
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown AI provider %q", cfg.Provider), common.ErrInvalidInput)
	}
	return f(ctx, cfg, logger)
}

// ServiceError wraps err as a failure of provider during op.
func ServiceError(provider, op string, err error) error {
	return &common.AIServiceError{Provider: provider, Op: op, Err: err}
}
