// Package ocr converts uploaded document bytes into text. PDFs with an
// embedded text layer are read locally; scans and images go to an external
// backend (tesseract or Google Cloud Vision).
package ocr

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// Result is the outcome of one recognition.
type Result struct {
	Text       string
	Confidence float32 // 0..1
	Pages      int
	Method     string // "pdf-text" | "tesseract" | "vision"
	Duration   time.Duration
	Warnings   []string
}

// Backend is an external recognizer.
type Backend interface {
	Name() string
	Recognize(ctx context.Context, data []byte, contentType string) (Result, error)
}

// DefaultLocalThreshold is the heuristic confidence at which locally
// extracted PDF text is accepted without calling the backend.
const DefaultLocalThreshold = 0.7

// Adapter applies the local-first policy in front of a Backend.
type Adapter struct {
	backend   Backend
	threshold float32
	maxPages  int
	localPDF  func(data []byte, maxPages int) (string, int, error)
	logger    *slog.Logger
}

type AdapterOption func(*Adapter)

// WithLocalThreshold overrides DefaultLocalThreshold.
func WithLocalThreshold(t float32) AdapterOption {
	return func(a *Adapter) {
		if t > 0 {
			a.threshold = t
		}
	}
}

// WithMaxPages limits how many PDF pages are read locally.
func WithMaxPages(n int) AdapterOption { return func(a *Adapter) { a.maxPages = n } }

// NewAdapter wraps backend. A nil backend makes every non-local recognition
// fail with ErrBackendUnavailable.
func NewAdapter(backend Backend, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		backend:   backend,
		threshold: DefaultLocalThreshold,
		localPDF:  extractPDFText,
		logger:    logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// PerformOCR recognizes data of the given content type. Failures are
// *OCRError values matching common.ErrOCR.
func (a *Adapter) PerformOCR(ctx context.Context, data []byte, contentType string) (Result, error) {
	start := time.Now()
	contentType = constants.NormalizeContentType(contentType)

	if len(data) == 0 {
		return Result{}, NewOCRError("perform", ErrUnreadableInput, "empty input")
	}
	format := constants.FormatOf(contentType)
	if format == "" {
		return Result{}, NewOCRError("perform", ErrUnreadableInput, "unsupported content type "+contentType)
	}

	var warns []string
	if format == constants.PDF {
		if !isPDF(data) {
			return Result{}, NewOCRError("perform", ErrUnreadableInput, "missing PDF header")
		}
		text, pages, err := a.localPDF(data, a.maxPages)
		if err != nil {
			warns = append(warns, err.Error())
			a.logger.Debug("ocr.local.failed", "error", err)
		} else {
			text = Normalize(text)
			conf := HeuristicConfidence(text)
			if conf >= a.threshold {
				a.logger.Debug("ocr.local.ok", "pages", pages, "confidence", conf)
				return Result{
					Text:       text,
					Confidence: conf,
					Pages:      pages,
					Method:     "pdf-text",
					Duration:   time.Since(start),
				}, nil
			}
			a.logger.Debug("ocr.local.low_confidence", "pages", pages, "confidence", conf, "threshold", a.threshold)
		}
	}

	if a.backend == nil {
		return Result{Warnings: warns}, NewOCRError("perform", ErrBackendUnavailable, "no backend configured")
	}

	res, err := a.backend.Recognize(ctx, data, contentType)
	if err != nil {
		return Result{Warnings: append(warns, res.Warnings...)}, WrapOCRError(a.backend.Name(), err, "")
	}
	res.Text = Normalize(res.Text)
	if strings.TrimSpace(res.Text) == "" {
		return Result{Warnings: append(warns, res.Warnings...)}, NewOCRError(a.backend.Name(), ErrEmptyDocument, "")
	}

	// blend: weight backend confidence higher if present
	heur := HeuristicConfidence(res.Text)
	if res.Confidence > 0 {
		res.Confidence = 0.7*res.Confidence + 0.3*heur
	} else {
		res.Confidence = heur
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	res.Warnings = append(warns, res.Warnings...)
	res.Duration = time.Since(start)

	a.logger.Debug("ocr.backend.ok", "backend", a.backend.Name(), "pages", res.Pages, "confidence", res.Confidence, "elapsed_ms", res.Duration.Milliseconds())
	return res, nil
}
