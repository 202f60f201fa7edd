package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// Invoice holds the structured fields extracted from one document.
type Invoice struct {
	ID            uuid.UUID               `json:"id"`
	DocumentID    uuid.UUID               `json:"document_id"`
	InvoiceNumber *string                 `json:"invoice_number,omitempty"`
	Amount        *decimal.Decimal        `json:"amount,omitempty"`
	InvoiceDate   *time.Time              `json:"invoice_date,omitempty"`
	DueDate       *time.Time              `json:"due_date,omitempty"`
	PONumber      *string                 `json:"po_number,omitempty"`
	VendorName    *string                 `json:"vendor_name,omitempty"`
	VendorID      *uuid.UUID              `json:"vendor_id,omitempty"`
	Status        constants.InvoiceStatus `json:"status"`
	Notes         string                  `json:"notes"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}
