package statemachine

import (
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

func reviewable(inv *entity.Invoice) bool {
	return inv.Status == constants.InvoiceStatusPending || inv.Status == constants.InvoiceStatusExtractionFailed
}

// ApproveInvoice marks a pending (or extraction-failed) invoice APPROVED.
func ApproveInvoice(inv *entity.Invoice, now time.Time) error {
	if !reviewable(inv) {
		return &common.InvalidTransitionError{Entity: "invoice", From: string(inv.Status), To: string(constants.InvoiceStatusApproved)}
	}
	inv.Status = constants.InvoiceStatusApproved
	inv.UpdatedAt = now
	return nil
}

// RejectInvoice marks the invoice REJECTED and appends reason to its notes.
func RejectInvoice(inv *entity.Invoice, reason string, now time.Time) error {
	if !reviewable(inv) {
		return &common.InvalidTransitionError{Entity: "invoice", From: string(inv.Status), To: string(constants.InvoiceStatusRejected)}
	}
	inv.Status = constants.InvoiceStatusRejected
	if reason = strings.TrimSpace(reason); reason != "" {
		if inv.Notes != "" {
			inv.Notes += "; "
		}
		inv.Notes += "rejected: " + reason
	}
	inv.UpdatedAt = now
	return nil
}
