package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// Document is one uploaded file within a batch.
type Document struct {
	ID            uuid.UUID                `json:"id"`
	BatchID       uuid.UUID                `json:"batch_id"`
	FileName      string                   `json:"file_name"`
	ContentType   string                   `json:"content_type"`
	StorageKey    string                   `json:"storage_key"`
	Position      int                      `json:"position"`
	Status        constants.DocumentStatus `json:"status"`
	ExtractedText *string                  `json:"extracted_text,omitempty"`
	OCRConfidence float64                  `json:"ocr_confidence"`
	PageCount     int                      `json:"page_count"`
	RetryCount    int                      `json:"retry_count"`
	ErrorMessage  *string                  `json:"error_message,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Text returns the extracted text or "" before OCR completed.
func (d *Document) Text() string {
	if d.ExtractedText == nil {
		return ""
	}
	return *d.ExtractedText
}
