package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// Batch is a named collection of uploaded documents processed together.
// Documents are referenced by id in upload order and resolved through the repository.
type Batch struct {
	ID             uuid.UUID             `json:"id"`
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	Status         constants.BatchStatus `json:"status"`
	DocumentIDs    []uuid.UUID           `json:"document_ids"`
	ProcessedCount int                   `json:"processed_count"`
	FailedCount    int                   `json:"failed_count"`
	ErrorMessage   *string               `json:"error_message,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// DocumentCount returns the number of documents owned by the batch.
func (b *Batch) DocumentCount() int { return len(b.DocumentIDs) }
