package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/statemachine"
)

// keyedMutex serializes work per batch id without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedLock)}
}

// Lock blocks until id is free and returns the unlock function.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Tracker owns batch status changes and the progress counters. Every change
// happens inside the batch's critical section and is persisted with a status
// compare-and-set.
type Tracker struct {
	store      *repository.Store
	bus        Publisher
	notifier   notify.Publisher
	locks      *keyedMutex
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

func NewTracker(store *repository.Store, bus Publisher, notifier notify.Publisher, maxRetries int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxRetries
	}
	return &Tracker{
		store:      store,
		bus:        bus,
		notifier:   notifier,
		locks:      newKeyedMutex(),
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger,
	}
}

// Transition moves the batch to target; reason, when set, becomes the batch
// error message. Moves outside the lifecycle graph, including re-entering the
// current status, fail with common.ErrInvalidTransition.
func (t *Tracker) Transition(ctx context.Context, batchID uuid.UUID, target constants.BatchStatus, reason string) (*entity.Batch, error) {
	return t.transition(ctx, batchID, target, reason, false)
}

// TransitionIdempotent is Transition for redelivered events: a batch already
// in target is returned unchanged.
func (t *Tracker) TransitionIdempotent(ctx context.Context, batchID uuid.UUID, target constants.BatchStatus, reason string) (*entity.Batch, error) {
	return t.transition(ctx, batchID, target, reason, true)
}

func (t *Tracker) transition(ctx context.Context, batchID uuid.UUID, target constants.BatchStatus, reason string, idempotent bool) (*entity.Batch, error) {
	unlock := t.locks.Lock(batchID)
	defer unlock()

	b, err := t.store.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if idempotent && b.Status == target {
		return b, nil
	}
	return b, t.transitionLocked(ctx, b, target, reason)
}

func (t *Tracker) transitionLocked(ctx context.Context, b *entity.Batch, target constants.BatchStatus, reason string) error {
	prev := b.Status
	if err := statemachine.TransitionBatch(b, target, t.now().UTC()); err != nil {
		return err
	}
	if reason != "" {
		b.ErrorMessage = &reason
	}

	ok, err := t.store.Batches.UpdateStatus(ctx, b, prev)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %s changed while moving %s -> %s", common.ErrConflict, b.ID, prev, target)
	}

	t.logger.Info("pipeline.batch.transition", "batch_id", b.ID, "from", prev, "to", target)
	data := map[string]any{
		"previousStatus": string(prev),
		"processedCount": b.ProcessedCount,
		"failedCount":    b.FailedCount,
		"totalDocuments": b.DocumentCount(),
	}
	if b.ErrorMessage != nil {
		data["error"] = *b.ErrorMessage
	}
	notify.PublishEntity(ctx, t.notifier, notify.BatchTopic(b.ID), notify.Message{
		Type:     notify.TypeBatchStatusUpdate,
		EntityID: b.ID.String(),
		Status:   string(b.Status),
		Data:     data,
	})
	return nil
}

// RecomputeProgress recounts the batch's documents and, once every document
// is terminal, completes the OCR phase: OCR_COMPLETED (announced with
// batch.ocr.completed) or FAILED when no document succeeded.
func (t *Tracker) RecomputeProgress(ctx context.Context, batchID uuid.UUID) (*entity.Batch, error) {
	b, err := t.recompute(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == constants.BatchStatusOCRCompleted {
		// duplicates of an already announced completion are dropped by key
		if _, err := t.bus.Publish(ctx, eventbus.Message{
			Type:    eventbus.TypeBatchOCRCompleted,
			Subject: b.ID.String(),
			Data:    batchPayload{BatchID: b.ID.String()},
		}); err != nil {
			return b, fmt.Errorf("publish %s: %w", eventbus.TypeBatchOCRCompleted, err)
		}
	}
	return b, nil
}

func (t *Tracker) recompute(ctx context.Context, batchID uuid.UUID) (*entity.Batch, error) {
	unlock := t.locks.Lock(batchID)
	defer unlock()

	b, err := t.store.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status.IsTerminal() {
		return b, nil
	}

	states, err := t.store.Documents.States(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := statemachine.Progress{Total: len(states)}
	for _, s := range states {
		switch {
		case s.Status == constants.DocumentStatusProcessed:
			p.Processed++
		case s.Status == constants.DocumentStatusFailed && s.RetryCount >= t.maxRetries:
			p.Failed++
		}
	}

	if p.Processed != b.ProcessedCount || p.Failed != b.FailedCount {
		now := t.now().UTC()
		if err := t.store.Batches.UpdateCounts(ctx, batchID, p.Processed, p.Failed, now); err != nil {
			return nil, err
		}
		b.ProcessedCount, b.FailedCount, b.UpdatedAt = p.Processed, p.Failed, now

		t.logger.Debug("pipeline.batch.progress", "batch_id", batchID, "processed", p.Processed, "failed", p.Failed, "total", p.Total)
		notify.PublishEntity(ctx, t.notifier, notify.BatchTopic(batchID), notify.Message{
			Type:     notify.TypeOCRProgress,
			EntityID: batchID.String(),
			Status:   string(b.Status),
			Data: map[string]any{
				"processedCount": p.Processed,
				"failedCount":    p.Failed,
				"totalDocuments": p.Total,
			},
		})
	}

	if b.Status != constants.BatchStatusProcessing || !p.Done() {
		return b, nil
	}
	target := p.CompletionTarget()
	reason := ""
	if target == constants.BatchStatusFailed {
		reason = fmt.Sprintf("all %d documents failed OCR", p.Total)
	}
	if err := t.transitionLocked(ctx, b, target, reason); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return t.store.Batches.Get(ctx, batchID)
		}
		return nil, err
	}
	return b, nil
}
