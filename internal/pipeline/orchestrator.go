// Package pipeline drives batches through OCR, invoice extraction and AI
// analysis. Stage handlers run on the event bus and are idempotent: any of
// them may be delivered more than once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/statemachine"
	"github.com/joseph-ayodele/invoice-pipeline/internal/storage"
)

// Publisher queues stage events.
type Publisher interface {
	Publish(ctx context.Context, msg eventbus.Message) (bool, error)
}

// Bus is the part of the event bus the orchestrator registers with.
type Bus interface {
	Publisher
	Handle(eventType string, h eventbus.Handler)
	OnDeadLetter(eventType string, hook eventbus.DeadLetterHook)
}

// Recognizer turns document bytes into text.
type Recognizer interface {
	PerformOCR(ctx context.Context, data []byte, contentType string) (ocr.Result, error)
}

// Extractor builds an invoice from document text. It never fails.
type Extractor interface {
	ExtractInvoice(ctx context.Context, documentID uuid.UUID, text string) *entity.Invoice
}

type batchPayload struct {
	BatchID string `json:"batch_id"`
}

type documentPayload struct {
	BatchID    string `json:"batch_id"`
	DocumentID string `json:"document_id"`
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Store     *repository.Store
	Bus       Bus
	Notifier  notify.Publisher
	Storage   storage.Storage
	OCR       Recognizer
	Extractor Extractor
	Analyzer  ai.Analyzer
	Logger    *slog.Logger
}

// Options tune the orchestrator.
type Options struct {
	// MaxRetries bounds document reprocessing. It should equal the bus
	// retry budget so every bus redelivery is one document retry.
	MaxRetries  int
	AutoAnalyze bool
	// StaleAfter is how long a PROCESSING document may go untouched before a
	// redelivery takes it over. Typically the worker process timeout.
	StaleAfter time.Duration
}

// Orchestrator holds the stage handlers.
type Orchestrator struct {
	store     *repository.Store
	bus       Bus
	notifier  notify.Publisher
	storage   storage.Storage
	ocr       Recognizer
	extractor Extractor
	analyzer  ai.Analyzer
	tracker   *Tracker
	opts      Options
	now       func() time.Time
	logger    *slog.Logger
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = constants.DefaultMaxRetries
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * time.Minute
	}
	return &Orchestrator{
		store:     deps.Store,
		bus:       deps.Bus,
		notifier:  deps.Notifier,
		storage:   deps.Storage,
		ocr:       deps.OCR,
		extractor: deps.Extractor,
		analyzer:  deps.Analyzer,
		tracker:   NewTracker(deps.Store, deps.Bus, deps.Notifier, opts.MaxRetries, logger),
		opts:      opts,
		now:       time.Now,
		logger:    logger,
	}
}

// Tracker exposes the batch status authority shared with the service layer.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Register installs the stage handlers and dead-letter hooks on the bus.
func (o *Orchestrator) Register() {
	o.bus.Handle(eventbus.TypeBatchCreated, o.handleBatchCreated)
	o.bus.Handle(eventbus.TypeDocumentOCRRequested, o.handleDocumentOCR)
	o.bus.Handle(eventbus.TypeBatchOCRCompleted, o.handleOCRCompleted)
	o.bus.Handle(eventbus.TypeAnalysisRequested, o.handleAnalysisRequested)
	o.bus.Handle(eventbus.TypeAnalysisCompleted, o.handleAnalysisCompleted)

	o.bus.OnDeadLetter(eventbus.TypeDocumentOCRRequested, o.documentDeadLettered)
	o.bus.OnDeadLetter(eventbus.TypeBatchCreated, o.batchDeadLettered)
	o.bus.OnDeadLetter(eventbus.TypeBatchOCRCompleted, o.batchDeadLettered)
	o.bus.OnDeadLetter(eventbus.TypeAnalysisRequested, o.batchDeadLettered)
}

func batchIDOf(ev *eventbus.Event) (uuid.UUID, error) {
	var p batchPayload
	if err := ev.Decode(&p); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(p.BatchID)
	if err != nil {
		return uuid.Nil, eventbus.Permanent(fmt.Errorf("batch id %q: %w", p.BatchID, err))
	}
	return id, nil
}

// loadBatch returns nil, nil for batches deleted since the event was queued.
func (o *Orchestrator) loadBatch(ctx context.Context, id uuid.UUID, logger *slog.Logger) (*entity.Batch, error) {
	b, err := o.store.Batches.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		logger.Info("pipeline.batch.gone", "batch_id", id)
		return nil, nil
	}
	return b, err
}

func (o *Orchestrator) handleBatchCreated(ctx context.Context, ev *eventbus.Event) error {
	logger := common.LoggerFrom(ctx, o.logger)
	batchID, err := batchIDOf(ev)
	if err != nil {
		return err
	}
	b, err := o.loadBatch(ctx, batchID, logger)
	if err != nil || b == nil {
		return err
	}
	if b.Status.IsTerminal() {
		logger.Info("pipeline.batch.skip", "batch_id", batchID, "status", b.Status)
		return nil
	}
	if b.Status == constants.BatchStatusCreated {
		if b, err = o.tracker.TransitionIdempotent(ctx, batchID, constants.BatchStatusProcessing, ""); err != nil {
			return err
		}
	}
	if b.Status != constants.BatchStatusProcessing {
		return nil
	}

	docs, err := o.store.Documents.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	queued := 0
	for _, d := range docs {
		if d.Status != constants.DocumentStatusCreated {
			continue
		}
		ok, err := o.bus.Publish(ctx, eventbus.Message{
			Type:    eventbus.TypeDocumentOCRRequested,
			Subject: d.ID.String(),
			Data:    documentPayload{BatchID: batchID.String(), DocumentID: d.ID.String()},
		})
		if err != nil {
			return fmt.Errorf("queue ocr for document %s: %w", d.ID, err)
		}
		if ok {
			queued++
		}
	}
	logger.Info("pipeline.batch.started", "batch_id", batchID, "documents", len(docs), "queued", queued)

	_, err = o.tracker.RecomputeProgress(ctx, batchID)
	return err
}

func (o *Orchestrator) handleDocumentOCR(ctx context.Context, ev *eventbus.Event) error {
	logger := common.LoggerFrom(ctx, o.logger)
	var p documentPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	docID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		return eventbus.Permanent(fmt.Errorf("document id %q: %w", p.DocumentID, err))
	}

	d, err := o.store.Documents.Get(ctx, docID)
	if errors.Is(err, common.ErrNotFound) {
		logger.Info("pipeline.document.gone", "document_id", docID)
		return nil
	}
	if err != nil {
		return err
	}
	logger = logger.With("batch_id", d.BatchID, "document_id", d.ID)

	b, err := o.loadBatch(ctx, d.BatchID, logger)
	if err != nil || b == nil {
		return err
	}
	if b.Status.IsTerminal() {
		logger.Info("pipeline.ocr.skip", "status", b.Status)
		return nil
	}

	switch {
	case d.Status == constants.DocumentStatusProcessed:
		if err := o.ensureInvoice(ctx, d); err != nil {
			return err
		}
		_, err := o.tracker.RecomputeProgress(ctx, d.BatchID)
		return err
	case statemachine.IsDocumentTerminal(d, o.opts.MaxRetries):
		_, err := o.tracker.RecomputeProgress(ctx, d.BatchID)
		return err
	case d.Status == constants.DocumentStatusProcessing:
		// another worker owns the document; look again once its claim goes stale
		if wait := o.opts.StaleAfter - o.now().Sub(d.UpdatedAt); wait > 0 {
			logger.Info("pipeline.ocr.in_flight", "attempt", ev.Attempt, "recheck_in", wait)
			return eventbus.Defer(wait)
		}
		logger.Warn("pipeline.ocr.stale_takeover", "updated_at", d.UpdatedAt)
	default:
		prevStatus, prevRetry := d.Status, d.RetryCount
		if err := statemachine.StartProcessing(d, o.opts.MaxRetries, o.now().UTC()); err != nil {
			return eventbus.Permanent(err)
		}
		ok, err := o.store.Documents.Save(ctx, d, prevStatus, prevRetry)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("pipeline.ocr.claimed_elsewhere")
			return nil
		}
		o.notifyDocument(ctx, d, nil)
	}

	return o.runOCR(ctx, d, logger)
}

func (o *Orchestrator) runOCR(ctx context.Context, d *entity.Document, logger *slog.Logger) error {
	start := time.Now()
	res, ocrErr := o.recognize(ctx, d)

	// the batch may have been cancelled while OCR ran
	b, err := o.loadBatch(ctx, d.BatchID, logger)
	if err != nil || b == nil {
		return err
	}
	if b.Status.IsTerminal() {
		logger.Info("pipeline.ocr.discarded", "status", b.Status)
		return nil
	}

	if ocrErr != nil {
		return o.failDocument(ctx, d, ocrErr, logger)
	}

	retry := d.RetryCount
	if err := statemachine.CompleteProcessing(d, res.Text, float64(res.Confidence), res.Pages, o.now().UTC()); err != nil {
		return eventbus.Permanent(err)
	}
	ok, err := o.store.Documents.Save(ctx, d, constants.DocumentStatusProcessing, retry)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("pipeline.ocr.lost_race")
		return nil
	}
	logger.Info("pipeline.ocr.ok",
		"method", res.Method,
		"pages", res.Pages,
		"confidence", res.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	o.notifyDocument(ctx, d, map[string]any{"confidence": d.OCRConfidence, "pages": d.PageCount, "method": res.Method})

	if err := o.extract(ctx, d); err != nil {
		return err
	}
	_, err = o.tracker.RecomputeProgress(ctx, d.BatchID)
	return err
}

func (o *Orchestrator) recognize(ctx context.Context, d *entity.Document) (ocr.Result, error) {
	data, err := o.storage.Retrieve(ctx, d.StorageKey)
	if err != nil {
		return ocr.Result{}, err
	}
	return o.ocr.PerformOCR(ctx, data, d.ContentType)
}

// failDocument records a failed attempt. While retries remain the cause is
// returned so the bus redelivers; unreadable input exhausts the document.
func (o *Orchestrator) failDocument(ctx context.Context, d *entity.Document, cause error, logger *slog.Logger) error {
	now := o.now().UTC()
	retry := d.RetryCount
	reason := cause.Error()
	if err := statemachine.FailProcessing(d, reason, now); err != nil {
		return eventbus.Permanent(err)
	}
	var ocrErr *ocr.OCRError
	if errors.As(cause, &ocrErr) && !ocrErr.Retryable() {
		statemachine.Exhaust(d, reason, o.opts.MaxRetries, now)
	}

	ok, err := o.store.Documents.Save(ctx, d, constants.DocumentStatusProcessing, retry)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("pipeline.ocr.lost_race")
		return nil
	}
	o.notifyDocument(ctx, d, map[string]any{"retryCount": d.RetryCount, "error": reason})

	if !statemachine.IsDocumentTerminal(d, o.opts.MaxRetries) {
		logger.Warn("pipeline.ocr.failed", "retry_count", d.RetryCount, "error", cause)
		return cause
	}
	logger.Error("pipeline.ocr.exhausted", "retry_count", d.RetryCount, "error", cause)
	o.notifyError(ctx, d, reason)
	_, err = o.tracker.RecomputeProgress(ctx, d.BatchID)
	return err
}

func (o *Orchestrator) extract(ctx context.Context, d *entity.Document) error {
	inv := o.extractor.ExtractInvoice(ctx, d.ID, d.Text())
	if err := o.store.Invoices.Upsert(ctx, inv); err != nil {
		return fmt.Errorf("store invoice for document %s: %w", d.ID, err)
	}
	return nil
}

// ensureInvoice extracts again when a redelivery finds a processed document
// whose invoice was never stored.
func (o *Orchestrator) ensureInvoice(ctx context.Context, d *entity.Document) error {
	_, err := o.store.Invoices.GetByDocument(ctx, d.ID)
	if errors.Is(err, common.ErrNotFound) {
		return o.extract(ctx, d)
	}
	return err
}

func (o *Orchestrator) handleOCRCompleted(ctx context.Context, ev *eventbus.Event) error {
	logger := common.LoggerFrom(ctx, o.logger)
	batchID, err := batchIDOf(ev)
	if err != nil {
		return err
	}
	b, err := o.loadBatch(ctx, batchID, logger)
	if err != nil || b == nil {
		return err
	}
	if b.Status != constants.BatchStatusOCRCompleted {
		return nil
	}
	if !o.opts.AutoAnalyze {
		logger.Info("pipeline.analysis.manual", "batch_id", batchID)
		return nil
	}
	_, err = o.requestAnalysis(ctx, batchID)
	return err
}

func (o *Orchestrator) requestAnalysis(ctx context.Context, batchID uuid.UUID) (bool, error) {
	return o.bus.Publish(ctx, eventbus.Message{
		Type:    eventbus.TypeAnalysisRequested,
		Subject: batchID.String(),
		Data:    batchPayload{BatchID: batchID.String()},
	})
}

func (o *Orchestrator) handleAnalysisRequested(ctx context.Context, ev *eventbus.Event) error {
	logger := common.LoggerFrom(ctx, o.logger)
	batchID, err := batchIDOf(ev)
	if err != nil {
		return err
	}
	b, err := o.loadBatch(ctx, batchID, logger)
	if err != nil || b == nil {
		return err
	}
	switch b.Status {
	case constants.BatchStatusOCRCompleted:
		if _, err := o.tracker.TransitionIdempotent(ctx, batchID, constants.BatchStatusAnalysisInProgress, ""); err != nil {
			return err
		}
	case constants.BatchStatusAnalysisInProgress:
	default:
		logger.Info("pipeline.analysis.skip", "batch_id", batchID, "status", b.Status)
		return nil
	}

	start := time.Now()
	digests, err := o.digests(ctx, batchID)
	if err != nil {
		return err
	}
	res, err := o.analyzer.AnalyzeBatch(ctx, digests)
	if err != nil {
		logger.Warn("pipeline.analysis.failed", "batch_id", batchID, "attempt", ev.Attempt, "error", err)
		return err
	}

	if b, err = o.store.Batches.Get(ctx, batchID); err != nil {
		return err
	}
	if b.Status != constants.BatchStatusAnalysisInProgress {
		logger.Info("pipeline.analysis.discarded", "batch_id", batchID, "status", b.Status)
		return nil
	}

	a := &entity.Analysis{
		ID:              entity.NewID(),
		BatchID:         batchID,
		Summary:         res.Summary,
		Recommendations: res.Recommendations,
		Metadata:        res.Metadata,
		CreatedAt:       o.now().UTC(),
	}
	if err := o.store.Analyses.Upsert(ctx, a); err != nil {
		return err
	}
	if _, err := o.tracker.TransitionIdempotent(ctx, batchID, constants.BatchStatusAnalysisCompleted, ""); err != nil {
		return err
	}
	logger.Info("pipeline.analysis.ok",
		"batch_id", batchID,
		"analyzer", o.analyzer.Name(),
		"documents", len(digests),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	_, err = o.bus.Publish(ctx, eventbus.Message{
		Type:    eventbus.TypeAnalysisCompleted,
		Subject: batchID.String(),
		Data:    batchPayload{BatchID: batchID.String()},
	})
	return err
}

func (o *Orchestrator) handleAnalysisCompleted(ctx context.Context, ev *eventbus.Event) error {
	batchID, err := batchIDOf(ev)
	if err != nil {
		return err
	}
	a, err := o.store.Analyses.GetByBatch(ctx, batchID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	notify.PublishEntity(ctx, o.notifier, notify.BatchTopic(batchID), notify.Message{
		Type:     notify.TypeAnalysisCompleted,
		EntityID: batchID.String(),
		Status:   string(constants.BatchStatusAnalysisCompleted),
		Data: map[string]any{
			"analysisId":      a.ID.String(),
			"summary":         a.Summary,
			"recommendations": len(a.Recommendations),
		},
	})
	return nil
}

// digests collects the processed documents of a batch with their invoices.
func (o *Orchestrator) digests(ctx context.Context, batchID uuid.UUID) ([]ai.DocumentDigest, error) {
	docs, err := o.store.Documents.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	invs, err := o.store.Invoices.ListByBatch(ctx, batchID, "")
	if err != nil {
		return nil, err
	}
	byDoc := make(map[uuid.UUID]*entity.Invoice, len(invs))
	for _, inv := range invs {
		byDoc[inv.DocumentID] = inv
	}

	out := make([]ai.DocumentDigest, 0, len(docs))
	for _, d := range docs {
		if d.Status != constants.DocumentStatusProcessed {
			continue
		}
		dd := ai.DocumentDigest{
			DocumentID: d.ID.String(),
			FileName:   d.FileName,
			Text:       d.Text(),
			Confidence: d.OCRConfidence,
		}
		if inv := byDoc[d.ID]; inv != nil {
			dd.Invoice = invoiceDigest(inv)
		}
		out = append(out, dd)
	}
	return out, nil
}

func invoiceDigest(inv *entity.Invoice) *ai.InvoiceDigest {
	dg := &ai.InvoiceDigest{Status: string(inv.Status)}
	if inv.InvoiceNumber != nil {
		dg.Number = *inv.InvoiceNumber
	}
	if inv.Amount != nil {
		dg.Amount = inv.Amount.StringFixed(2)
	}
	if inv.InvoiceDate != nil {
		dg.InvoiceDate = inv.InvoiceDate.Format("2006-01-02")
	}
	if inv.DueDate != nil {
		dg.DueDate = inv.DueDate.Format("2006-01-02")
	}
	if inv.VendorName != nil {
		dg.Vendor = *inv.VendorName
	}
	if inv.PONumber != nil {
		dg.PONumber = *inv.PONumber
	}
	return dg
}

func (o *Orchestrator) documentDeadLettered(ctx context.Context, ev *eventbus.Event, cause error) error {
	var p documentPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	docID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		return err
	}
	d, err := o.store.Documents.Get(ctx, docID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	prevStatus, prevRetry := d.Status, d.RetryCount
	if statemachine.Exhaust(d, cause.Error(), o.opts.MaxRetries, o.now().UTC()) {
		ok, err := o.store.Documents.Save(ctx, d, prevStatus, prevRetry)
		if err != nil {
			return err
		}
		if ok {
			o.notifyDocument(ctx, d, map[string]any{"retryCount": d.RetryCount, "error": cause.Error()})
		}
	}
	_, err = o.tracker.RecomputeProgress(ctx, d.BatchID)
	return err
}

func (o *Orchestrator) batchDeadLettered(ctx context.Context, ev *eventbus.Event, cause error) error {
	batchID, err := batchIDOf(ev)
	if err != nil {
		return err
	}
	_, err = o.tracker.TransitionIdempotent(ctx, batchID, constants.BatchStatusFailed, fmt.Sprintf("%s: %v", ev.Type, cause))
	if errors.Is(err, common.ErrInvalidTransition) || errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

func (o *Orchestrator) notifyDocument(ctx context.Context, d *entity.Document, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["batchId"] = d.BatchID.String()
	data["fileName"] = d.FileName
	notify.PublishEntity(ctx, o.notifier, notify.DocumentTopic(d.ID), notify.Message{
		Type:     notify.TypeDocumentStatusUpdate,
		EntityID: d.ID.String(),
		Status:   string(d.Status),
		Data:     data,
	})
}

func (o *Orchestrator) notifyError(ctx context.Context, d *entity.Document, reason string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(ctx, notify.TopicErrors, notify.Message{
		Type:     notify.TypeError,
		EntityID: d.ID.String(),
		Status:   string(d.Status),
		Data: map[string]any{
			"batchId":    d.BatchID.String(),
			"retryCount": d.RetryCount,
			"error":      reason,
		},
	})
}
