package statemachine

import (
	"fmt"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

func invalidDoc(d *entity.Document, to constants.DocumentStatus) error {
	return &common.InvalidTransitionError{Entity: "document", From: string(d.Status), To: string(to)}
}

// StartProcessing moves a CREATED document to PROCESSING. From FAILED it is the
// retry path: it fails with common.ErrRetryExhausted once maxRetries is reached,
// otherwise it increments RetryCount.
func StartProcessing(d *entity.Document, maxRetries int, now time.Time) error {
	switch d.Status {
	case constants.DocumentStatusCreated:
	case constants.DocumentStatusFailed:
		if d.RetryCount >= maxRetries {
			return fmt.Errorf("document %s: %w (%d/%d)", d.ID, common.ErrRetryExhausted, d.RetryCount, maxRetries)
		}
		d.RetryCount++
	default:
		return invalidDoc(d, constants.DocumentStatusProcessing)
	}
	d.Status = constants.DocumentStatusProcessing
	d.UpdatedAt = now
	return nil
}

// CompleteProcessing records the OCR output on a PROCESSING document.
func CompleteProcessing(d *entity.Document, text string, confidence float64, pages int, now time.Time) error {
	if d.Status != constants.DocumentStatusProcessing {
		return invalidDoc(d, constants.DocumentStatusProcessed)
	}
	d.Status = constants.DocumentStatusProcessed
	d.ExtractedText = &text
	d.OCRConfidence = clamp01(confidence)
	d.PageCount = pages
	d.ErrorMessage = nil
	d.UpdatedAt = now
	return nil
}

// FailProcessing marks a PROCESSING document FAILED with a human-readable reason.
// RetryCount grows on the next StartProcessing, not here.
func FailProcessing(d *entity.Document, reason string, now time.Time) error {
	if d.Status != constants.DocumentStatusProcessing {
		return invalidDoc(d, constants.DocumentStatusFailed)
	}
	d.Status = constants.DocumentStatusFailed
	d.ErrorMessage = &reason
	d.UpdatedAt = now
	return nil
}

// Exhaust forces a terminal FAILED with no retries left. PROCESSED documents are
// left alone and reported with ok=false.
func Exhaust(d *entity.Document, reason string, maxRetries int, now time.Time) (ok bool) {
	if d.Status == constants.DocumentStatusProcessed {
		return false
	}
	d.Status = constants.DocumentStatusFailed
	if d.RetryCount < maxRetries {
		d.RetryCount = maxRetries
	}
	if reason != "" {
		d.ErrorMessage = &reason
	}
	d.UpdatedAt = now
	return true
}

// CanReprocess checks an explicit reprocess request without mutating d.
func CanReprocess(d *entity.Document, maxRetries int) error {
	if d.Status != constants.DocumentStatusFailed {
		return invalidDoc(d, constants.DocumentStatusProcessing)
	}
	if d.RetryCount >= maxRetries {
		return fmt.Errorf("document %s: %w (%d/%d)", d.ID, common.ErrRetryExhausted, d.RetryCount, maxRetries)
	}
	return nil
}

// IsDocumentTerminal reports PROCESSED, or FAILED with retries exhausted.
func IsDocumentTerminal(d *entity.Document, maxRetries int) bool {
	switch d.Status {
	case constants.DocumentStatusProcessed:
		return true
	case constants.DocumentStatusFailed:
		return d.RetryCount >= maxRetries
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
