package entity

import (
	"time"

	"github.com/google/uuid"
)

// Analysis is the AI summary produced once per batch.
type Analysis struct {
	ID              uuid.UUID         `json:"id"`
	BatchID         uuid.UUID         `json:"batch_id"`
	Summary         string            `json:"summary"`
	Recommendations []string          `json:"recommendations"`
	Metadata        map[string]string `json:"metadata"`
	CreatedAt       time.Time         `json:"created_at"`
}
