// Package statemachine is the single authority for legal status changes of
// batches, documents and invoices. Functions here mutate the entity in memory
// only; persistence and notifications belong to the caller.
package statemachine

import (
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

var batchTransitions = map[constants.BatchStatus][]constants.BatchStatus{
	constants.BatchStatusCreated: {
		constants.BatchStatusProcessing,
		constants.BatchStatusFailed,
		constants.BatchStatusCancelled,
	},
	constants.BatchStatusProcessing: {
		constants.BatchStatusOCRCompleted,
		constants.BatchStatusFailed,
		constants.BatchStatusCancelled,
	},
	constants.BatchStatusOCRCompleted: {
		constants.BatchStatusAnalysisInProgress,
		constants.BatchStatusFailed,
		constants.BatchStatusCancelled,
	},
	constants.BatchStatusAnalysisInProgress: {
		constants.BatchStatusAnalysisCompleted,
		constants.BatchStatusFailed,
		constants.BatchStatusCancelled,
	},
}

// CanTransitionBatch reports whether to is an allowed successor of from.
func CanTransitionBatch(from, to constants.BatchStatus) bool {
	for _, s := range batchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BatchSuccessors returns the allowed successors of s (nil for terminal states).
func BatchSuccessors(s constants.BatchStatus) []constants.BatchStatus {
	return append([]constants.BatchStatus(nil), batchTransitions[s]...)
}

// TransitionBatch moves b to target, maintaining the lifecycle timestamps.
// On an illegal move it returns *common.InvalidTransitionError and leaves b untouched.
func TransitionBatch(b *entity.Batch, target constants.BatchStatus, now time.Time) error {
	if !CanTransitionBatch(b.Status, target) {
		return &common.InvalidTransitionError{Entity: "batch", From: string(b.Status), To: string(target)}
	}
	b.Status = target
	b.UpdatedAt = now
	if target == constants.BatchStatusProcessing {
		t := now
		b.StartedAt = &t
	}
	if target.IsTerminal() {
		t := now
		b.CompletedAt = &t
	}
	return nil
}

// Progress is the outcome of counting a batch's documents.
type Progress struct {
	Total     int
	Processed int
	Failed    int
}

// Done reports whether every document reached a terminal state.
func (p Progress) Done() bool { return p.Total > 0 && p.Processed+p.Failed >= p.Total }

// CompletionTarget returns the status a PROCESSING batch moves to once p is done:
// FAILED iff every document failed, OCR_COMPLETED otherwise.
func (p Progress) CompletionTarget() constants.BatchStatus {
	if p.Failed == p.Total {
		return constants.BatchStatusFailed
	}
	return constants.BatchStatusOCRCompleted
}
