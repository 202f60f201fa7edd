package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/statemachine"
	"github.com/joseph-ayodele/invoice-pipeline/internal/storage"
)

const (
	maxNameLength = 255
	storeParallel = 4
)

// Upload is one file of a new batch.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

type CreateBatchRequest struct {
	Name        string
	Description string
	Files       []Upload
}

// Service is the application surface over the pipeline: batch intake,
// queries, review and manual triggers.
type Service struct {
	orch     *Orchestrator
	exporter *export.Service
	upload   common.UploadConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(orch *Orchestrator, exporter *export.Service, upload common.UploadConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if upload.MaxFileBytes <= 0 {
		upload.MaxFileBytes = 20 << 20
	}
	if upload.MaxFiles <= 0 {
		upload.MaxFiles = 100
	}
	return &Service{orch: orch, exporter: exporter, upload: upload, now: time.Now, logger: logger}
}

func (s *Service) store() *repository.Store { return s.orch.store }

// contentTypeOf resolves the declared type, falling back to the extension.
func contentTypeOf(u Upload) string {
	if ct := constants.NormalizeContentType(u.ContentType); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return constants.AllowedExtensions[constants.NormalizeExt(filepath.Ext(u.FileName))]
}

func (s *Service) validate(req CreateBatchRequest) error {
	v := common.NewValidator()
	v.Field("name", req.Name, common.Required, common.MaxLength(maxNameLength))
	v.Check(len(req.Files) > 0, "files", len(req.Files), "at least one file is required")
	v.Check(len(req.Files) <= s.upload.MaxFiles, "files", len(req.Files), fmt.Sprintf("at most %d files per batch", s.upload.MaxFiles))

	for i, f := range req.Files {
		field := fmt.Sprintf("files[%d]", i)
		v.Field(field+".file_name", f.FileName, common.Required)
		ext := constants.NormalizeExt(filepath.Ext(f.FileName))
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			v.Check(false, field+".file_name", f.FileName, "unsupported file extension")
		}
		ct := contentTypeOf(f)
		v.Check(constants.FormatOf(ct) != "", field+".content_type", f.ContentType, "unsupported content type")
		v.Check(len(f.Data) > 0, field+".data", len(f.Data), "file is empty")
		v.Check(int64(len(f.Data)) <= s.upload.MaxFileBytes, field+".data", len(f.Data),
			fmt.Sprintf("file exceeds %d bytes", s.upload.MaxFileBytes))
	}
	return v.Error()
}

// CreateBatch stores the uploaded files, persists the batch with its
// documents and queues processing. Nothing is written when validation fails.
func (s *Service) CreateBatch(ctx context.Context, req CreateBatchRequest) (*entity.Batch, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	start := time.Now()
	now := s.now().UTC()

	b := &entity.Batch{
		ID:          entity.NewID(),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Status:      constants.BatchStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	docs := make([]*entity.Document, len(req.Files))
	for i, f := range req.Files {
		docs[i] = &entity.Document{
			ID:          entity.NewID(),
			BatchID:     b.ID,
			FileName:    filepath.Base(f.FileName),
			ContentType: contentTypeOf(f),
			Position:    i,
			Status:      constants.DocumentStatusCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		b.DocumentIDs = append(b.DocumentIDs, docs[i].ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storeParallel)
	for i := range docs {
		d, data := docs[i], req.Files[i].Data
		g.Go(func() error {
			p, err := s.orch.storage.Store(gctx, storage.DocumentKey(b.ID, d.ID, d.FileName), data)
			if err != nil {
				return err
			}
			d.StorageKey = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("pipeline.batch.store_failed", "batch_id", b.ID, "error", err)
		s.discardFiles(context.WithoutCancel(ctx), docs)
		return nil, err
	}

	err := s.store().InTx(ctx, func(tx *repository.Store) error {
		if err := tx.Batches.Create(ctx, b); err != nil {
			return err
		}
		return tx.Documents.CreateMany(ctx, docs)
	})
	if err != nil {
		s.discardFiles(context.WithoutCancel(ctx), docs)
		return nil, err
	}

	notify.PublishEntity(ctx, s.orch.notifier, notify.BatchTopic(b.ID), notify.Message{
		Type:     notify.TypeBatchStatusUpdate,
		EntityID: b.ID.String(),
		Status:   string(b.Status),
		Data:     map[string]any{"totalDocuments": len(docs)},
	})

	if _, err := s.orch.bus.Publish(ctx, eventbus.Message{
		Type:    eventbus.TypeBatchCreated,
		Subject: b.ID.String(),
		Data:    batchPayload{BatchID: b.ID.String()},
	}); err != nil {
		reason := fmt.Sprintf("queue batch: %v", err)
		if _, terr := s.orch.tracker.Transition(context.WithoutCancel(ctx), b.ID, constants.BatchStatusFailed, reason); terr != nil {
			s.logger.Error("pipeline.batch.fail_failed", "batch_id", b.ID, "error", terr)
		}
		return nil, fmt.Errorf("queue batch %s: %w", b.ID, err)
	}

	s.logger.Info("pipeline.batch.created",
		"batch_id", b.ID,
		"documents", len(docs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

func (s *Service) discardFiles(ctx context.Context, docs []*entity.Document) {
	for _, d := range docs {
		if d.StorageKey == "" {
			continue
		}
		if err := s.orch.storage.Delete(ctx, d.StorageKey); err != nil {
			s.logger.Warn("pipeline.storage.cleanup_failed", "document_id", d.ID, "path", d.StorageKey, "error", err)
		}
	}
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*entity.Batch, error) {
	return s.store().Batches.Get(ctx, id)
}

// ListBatches returns batches oldest first, optionally filtered by status.
func (s *Service) ListBatches(ctx context.Context, f repository.BatchFilter) ([]*entity.Batch, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, common.ValidationError{Field: "status", Value: f.Status, Message: "unknown batch status"}
	}
	return s.store().Batches.List(ctx, f)
}

// DeleteBatch removes the batch with its documents, invoices and analysis,
// then the stored files. Stage events still queued for it become no-ops.
func (s *Service) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	docs, err := s.store().Documents.ListByBatch(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store().Batches.Delete(ctx, id); err != nil {
		return err
	}
	s.discardFiles(ctx, docs)
	s.logger.Info("pipeline.batch.deleted", "batch_id", id, "documents", len(docs))
	return nil
}

// CancelBatch stops further stage work; results still in flight are discarded.
func (s *Service) CancelBatch(ctx context.Context, id uuid.UUID) (*entity.Batch, error) {
	return s.orch.tracker.Transition(ctx, id, constants.BatchStatusCancelled, "cancelled")
}

// ReprocessDocument queues another OCR attempt for a failed document that
// still has retries left.
func (s *Service) ReprocessDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	d, err := s.store().Documents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := s.store().Batches.Get(ctx, d.BatchID)
	if err != nil {
		return nil, err
	}
	if b.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch %s is %s", common.ErrInvalidTransition, b.ID, b.Status)
	}
	if err := statemachine.CanReprocess(d, s.orch.opts.MaxRetries); err != nil {
		return nil, err
	}

	if _, err := s.orch.bus.Publish(ctx, eventbus.Message{
		Type:       eventbus.TypeDocumentOCRRequested,
		Subject:    d.ID.String(),
		Generation: d.RetryCount + 1,
		Data:       documentPayload{BatchID: d.BatchID.String(), DocumentID: d.ID.String()},
	}); err != nil {
		return nil, err
	}
	s.logger.Info("pipeline.document.reprocess", "batch_id", d.BatchID, "document_id", d.ID, "retry_count", d.RetryCount)
	return d, nil
}

func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	return s.store().Documents.Get(ctx, id)
}

// ListDocuments returns the batch's documents in upload order.
func (s *Service) ListDocuments(ctx context.Context, batchID uuid.UUID) ([]*entity.Document, error) {
	if _, err := s.store().Batches.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store().Documents.ListByBatch(ctx, batchID)
}

func (s *Service) ApproveInvoice(ctx context.Context, id uuid.UUID) (*entity.Invoice, error) {
	return s.review(ctx, id, func(inv *entity.Invoice) error {
		return statemachine.ApproveInvoice(inv, s.now().UTC())
	})
}

func (s *Service) RejectInvoice(ctx context.Context, id uuid.UUID, reason string) (*entity.Invoice, error) {
	return s.review(ctx, id, func(inv *entity.Invoice) error {
		return statemachine.RejectInvoice(inv, reason, s.now().UTC())
	})
}

func (s *Service) review(ctx context.Context, id uuid.UUID, apply func(*entity.Invoice) error) (*entity.Invoice, error) {
	inv, err := s.store().Invoices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := inv.Status
	if err := apply(inv); err != nil {
		return nil, err
	}
	ok, err := s.store().Invoices.UpdateReview(ctx, inv, prev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s was reviewed concurrently", common.ErrConflict, id)
	}
	s.logger.Info("pipeline.invoice.reviewed", "invoice_id", id, "from", prev, "to", inv.Status)
	return inv, nil
}

// ListInvoices returns the batch's invoices in document order, optionally
// filtered by status.
func (s *Service) ListInvoices(ctx context.Context, batchID uuid.UUID, status constants.InvoiceStatus) ([]*entity.Invoice, error) {
	if _, err := s.store().Batches.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store().Invoices.ListByBatch(ctx, batchID, status)
}

func (s *Service) GetAnalysis(ctx context.Context, batchID uuid.UUID) (*entity.Analysis, error) {
	return s.store().Analyses.GetByBatch(ctx, batchID)
}

// Chat answers a question about a batch from its processed documents.
func (s *Service) Chat(ctx context.Context, batchID uuid.UUID, question string) (string, error) {
	if err := common.NewValidator().Field("question", question, common.Required, common.MaxLength(2000)).Error(); err != nil {
		return "", err
	}
	if _, err := s.store().Batches.Get(ctx, batchID); err != nil {
		return "", err
	}
	digests, err := s.orch.digests(ctx, batchID)
	if err != nil {
		return "", err
	}
	return s.orch.analyzer.Chat(ctx, digests, strings.TrimSpace(question))
}

// ExportBatch renders the batch's invoices as an XLSX workbook.
func (s *Service) ExportBatch(ctx context.Context, batchID uuid.UUID, status constants.InvoiceStatus) ([]byte, error) {
	return s.exporter.ExportBatchXLSX(ctx, batchID, status)
}

// RequestAnalysis queues analysis of an OCR_COMPLETED batch. It reports
// false when an identical request is already queued or done.
func (s *Service) RequestAnalysis(ctx context.Context, batchID uuid.UUID) (bool, error) {
	b, err := s.store().Batches.Get(ctx, batchID)
	if err != nil {
		return false, err
	}
	if b.Status != constants.BatchStatusOCRCompleted {
		return false, &common.InvalidTransitionError{
			Entity: "batch",
			From:   string(b.Status),
			To:     string(constants.BatchStatusAnalysisInProgress),
		}
	}
	return s.orch.requestAnalysis(ctx, batchID)
}
