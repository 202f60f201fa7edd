package constants

// BatchStatus is the lifecycle status of a batch. Stored as-is in the batches table.
type BatchStatus string

const (
	BatchStatusCreated            BatchStatus = "CREATED"
	BatchStatusProcessing         BatchStatus = "PROCESSING"
	BatchStatusOCRCompleted       BatchStatus = "OCR_COMPLETED"
	BatchStatusAnalysisInProgress BatchStatus = "ANALYSIS_IN_PROGRESS"
	BatchStatusAnalysisCompleted  BatchStatus = "ANALYSIS_COMPLETED"
	BatchStatusFailed             BatchStatus = "FAILED"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
)

// IsTerminal reports whether no further automatic transition leaves s.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusAnalysisCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusCreated, BatchStatusProcessing, BatchStatusOCRCompleted,
		BatchStatusAnalysisInProgress, BatchStatusAnalysisCompleted,
		BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// DocumentStatus is the lifecycle status of a single uploaded document.
type DocumentStatus string

const (
	DocumentStatusCreated    DocumentStatus = "CREATED"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusProcessed  DocumentStatus = "PROCESSED"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

// InvoiceStatus is the review status of an extracted invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending          InvoiceStatus = "PENDING"
	InvoiceStatusExtractionFailed InvoiceStatus = "EXTRACTION_FAILED"
	InvoiceStatusApproved         InvoiceStatus = "APPROVED"
	InvoiceStatusRejected         InvoiceStatus = "REJECTED"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusExtractionFailed, InvoiceStatusApproved, InvoiceStatusRejected:
		return true
	}
	return false
}

type VendorStatus string

const (
	VendorStatusActive   VendorStatus = "ACTIVE"
	VendorStatusInactive VendorStatus = "INACTIVE"
)

// DefaultMaxRetries bounds document reprocessing and bus redelivery.
const DefaultMaxRetries = 3
