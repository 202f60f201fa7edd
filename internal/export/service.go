package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

const (
	invoiceSheet = "Invoices"
	summarySheet = "Summary"
)

// Service produces XLSX workbooks for a batch's extracted invoices.
type Service struct {
	store  *repository.Store
	logger *slog.Logger
}

func NewService(store *repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ExportBatchXLSX returns a workbook with one row per invoice of the batch,
// optionally restricted to status, plus a summary sheet with the batch
// counters and its analysis when one exists.
func (s *Service) ExportBatchXLSX(ctx context.Context, batchID uuid.UUID, status constants.InvoiceStatus) ([]byte, error) {
	start := time.Now()

	b, err := s.store.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Documents.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	invs, err := s.store.Invoices.ListByBatch(ctx, batchID, status)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	analysis, err := s.store.Analyses.GetByBatch(ctx, batchID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("query analysis: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", invoiceSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	if err := writeInvoices(f, docs, invs); err != nil {
		return nil, err
	}
	if err := writeSummary(f, b, invs, analysis); err != nil {
		return nil, err
	}

	idx, _ := f.GetSheetIndex(invoiceSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", batchID.String(),
		"rows", len(invs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

var invoiceHeaders = []string{
	"Document",
	"Invoice Number",
	"Vendor",
	"Invoice Date",
	"Due Date",
	"PO Number",
	"Amount",
	"Status",
	"OCR Confidence",
	"Notes",
}

func writeInvoices(f *excelize.File, docs []*entity.Document, invs []*entity.Invoice) error {
	byID := make(map[uuid.UUID]*entity.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	if err := f.SetSheetRow(invoiceSheet, "A1", &invoiceHeaders); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	_ = f.SetRowStyle(invoiceSheet, 1, 1, bold)

	for i, inv := range invs {
		fileName, confidence := "", 0.0
		if d := byID[inv.DocumentID]; d != nil {
			fileName, confidence = d.FileName, d.OCRConfidence
		}

		var amount any = ""
		if inv.Amount != nil {
			amount, _ = inv.Amount.Float64()
		}
		row := []any{
			fileName,
			deref(inv.InvoiceNumber),
			deref(inv.VendorName),
			date(inv.InvoiceDate),
			date(inv.DueDate),
			deref(inv.PONumber),
			amount,
			string(inv.Status),
			confidence,
			truncate(inv.Notes, 140),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(invoiceSheet, cell, &row); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(invoiceSheet, "A", "A", 28) // file
	_ = f.SetColWidth(invoiceSheet, "B", "C", 22)
	_ = f.SetColWidth(invoiceSheet, "D", "F", 14)
	_ = f.SetColWidth(invoiceSheet, "G", "I", 14)
	_ = f.SetColWidth(invoiceSheet, "J", "J", 48) // notes
	return nil
}

func writeSummary(f *excelize.File, b *entity.Batch, invs []*entity.Invoice, a *entity.Analysis) error {
	total := 0.0
	for _, inv := range invs {
		if inv.Amount != nil {
			v, _ := inv.Amount.Float64()
			total += v
		}
	}

	rows := [][]any{
		{"Batch", b.Name},
		{"Batch ID", b.ID.String()},
		{"Status", string(b.Status)},
		{"Documents", b.DocumentCount()},
		{"Processed", b.ProcessedCount},
		{"Failed", b.FailedCount},
		{"Invoices", len(invs)},
		{"Total Amount", total},
		{"Exported At", time.Now().UTC().Format(time.RFC3339)},
	}
	if a != nil {
		rows = append(rows, []any{}, []any{"Analysis", a.Summary})
		for i, rec := range a.Recommendations {
			rows = append(rows, []any{fmt.Sprintf("Recommendation %d", i+1), rec})
		}
	}

	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &rows[i]); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 20)
	_ = f.SetColWidth(summarySheet, "B", "B", 80)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func date(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
