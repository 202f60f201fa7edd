package ocr

import (
	"errors"
	"fmt"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

var (
	// ErrUnreadableInput covers empty payloads, unsupported content types and
	// PDFs without a %PDF header.
	ErrUnreadableInput = errors.New("unreadable input")

	// ErrBackendUnavailable is returned when no external backend is configured
	// or the backend could not be reached.
	ErrBackendUnavailable = errors.New("ocr backend unavailable")

	// ErrEmptyDocument is returned when recognition produced no text.
	ErrEmptyDocument = errors.New("document contains no readable text")
)

// OCRError wraps a recognition failure with the operation that failed.
type OCRError struct {
	Op      string
	Err     error
	Details string
}

func (e *OCRError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("ocr: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("ocr: %s failed: %v", e.Op, e.Err)
}

func (e *OCRError) Unwrap() error { return e.Err }

// Is matches common.ErrOCR as well as anything the wrapped error matches.
func (e *OCRError) Is(target error) bool {
	return target == common.ErrOCR
}

// Retryable reports whether running the same input again can succeed.
func (e *OCRError) Retryable() bool {
	return !errors.Is(e.Err, ErrUnreadableInput)
}

func NewOCRError(op string, err error, details string) *OCRError {
	return &OCRError{Op: op, Err: err, Details: details}
}

// WrapOCRError wraps err as an OCRError unless it already is one.
func WrapOCRError(op string, err error, details string) error {
	if err == nil {
		return nil
	}
	var ocrErr *OCRError
	if errors.As(err, &ocrErr) {
		return err
	}
	return NewOCRError(op, err, details)
}
