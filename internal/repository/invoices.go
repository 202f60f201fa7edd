package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

type InvoiceRepository interface {
	// Upsert stores inv, replacing the extracted fields of an existing
	// invoice for the same document.
	Upsert(ctx context.Context, inv *entity.Invoice) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Invoice, error)
	GetByDocument(ctx context.Context, documentID uuid.UUID) (*entity.Invoice, error)
	// ListByBatch returns invoices in document upload order, optionally
	// filtered by status.
	ListByBatch(ctx context.Context, batchID uuid.UUID, status constants.InvoiceStatus) ([]*entity.Invoice, error)
	UpdateReview(ctx context.Context, inv *entity.Invoice, prev constants.InvoiceStatus) (bool, error)
}

var invoiceColumns = []string{
	"id", "document_id", "invoice_number", "amount", "invoice_date", "due_date", "po_number",
	"vendor_name", "vendor_id", "status", "notes", "created_at", "updated_at",
}

// extractedColumns are overwritten when a document is extracted again.
var extractedColumns = []string{
	"invoice_number", "amount", "invoice_date", "due_date", "po_number",
	"vendor_name", "vendor_id", "status", "notes", "updated_at",
}

type invoiceRepo struct {
	conn
	logger *slog.Logger
}

func newInvoiceRepo(c conn, logger *slog.Logger) InvoiceRepository {
	return &invoiceRepo{conn: c, logger: logger}
}

func (r *invoiceRepo) Upsert(ctx context.Context, inv *entity.Invoice) error {
	q, args := r.builder().Insert("invoices").
		Columns(invoiceColumns...).
		Values(
			inv.ID.String(), inv.DocumentID.String(), nullStr(inv.InvoiceNumber), nullDecimal(inv.Amount),
			nullDate(inv.InvoiceDate), nullDate(inv.DueDate), nullStr(inv.PONumber),
			nullStr(inv.VendorName), nullUUID(inv.VendorID), string(inv.Status), inv.Notes,
			toMS(inv.CreatedAt), toMS(inv.UpdatedAt),
		).
		OnConflict(
			entsql.ConflictColumns("document_id"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				for _, c := range extractedColumns {
					u.SetExcluded(c)
				}
			}),
		).
		Query()
	if _, err := r.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to upsert invoice", "document_id", inv.DocumentID, "error", err)
		return err
	}
	return nil
}

func (r *invoiceRepo) selectInvoices() (*entsql.Selector, *entsql.SelectTable) {
	t := r.builder().Table("invoices")
	cols := make([]string, len(invoiceColumns))
	for i, c := range invoiceColumns {
		cols[i] = t.C(c)
	}
	return r.builder().Select(cols...).From(t), t
}

func scanInvoice(rows *entsql.Rows) (*entity.Invoice, error) {
	var (
		inv                                     entity.Invoice
		id, docID, status                       string
		number, amount, issued, due, po, vendor sql.NullString
		vendorID                                sql.NullString
		created, updated                        int64
	)
	if err := rows.Scan(&id, &docID, &number, &amount, &issued, &due, &po,
		&vendor, &vendorID, &status, &inv.Notes, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if inv.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if inv.DocumentID, err = uuid.Parse(docID); err != nil {
		return nil, err
	}
	if inv.Amount, err = fromNullDecimal(amount); err != nil {
		return nil, err
	}
	if inv.InvoiceDate, err = fromNullDate(issued); err != nil {
		return nil, err
	}
	if inv.DueDate, err = fromNullDate(due); err != nil {
		return nil, err
	}
	if inv.VendorID, err = fromNullUUID(vendorID); err != nil {
		return nil, err
	}
	inv.InvoiceNumber = fromNullStr(number)
	inv.PONumber = fromNullStr(po)
	inv.VendorName = fromNullStr(vendor)
	inv.Status = constants.InvoiceStatus(status)
	inv.CreatedAt = fromMS(created)
	inv.UpdatedAt = fromMS(updated)
	return &inv, nil
}

func (r *invoiceRepo) getOne(ctx context.Context, col string, id uuid.UUID) (*entity.Invoice, error) {
	sel, t := r.selectInvoices()
	q, args := sel.Where(entsql.EQ(t.C(col), id.String())).Query()
	var out *entity.Invoice
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		inv, err := scanInvoice(rows)
		out = inv
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, notFound("invoice", id)
	}
	return out, nil
}

func (r *invoiceRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Invoice, error) {
	return r.getOne(ctx, "id", id)
}

func (r *invoiceRepo) GetByDocument(ctx context.Context, documentID uuid.UUID) (*entity.Invoice, error) {
	return r.getOne(ctx, "document_id", documentID)
}

func (r *invoiceRepo) ListByBatch(ctx context.Context, batchID uuid.UUID, status constants.InvoiceStatus) ([]*entity.Invoice, error) {
	sel, t := r.selectInvoices()
	d := r.builder().Table("documents")
	sel.Join(d).On(t.C("document_id"), d.C("id"))
	preds := []*entsql.Predicate{entsql.EQ(d.C("batch_id"), batchID.String())}
	if status != "" {
		preds = append(preds, entsql.EQ(t.C("status"), string(status)))
	}
	q, args := sel.Where(entsql.And(preds...)).OrderBy(d.C("position_idx")).Query()

	var out []*entity.Invoice
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		inv, err := scanInvoice(rows)
		if err == nil {
			out = append(out, inv)
		}
		return err
	})
	return out, err
}

func (r *invoiceRepo) UpdateReview(ctx context.Context, inv *entity.Invoice, prev constants.InvoiceStatus) (bool, error) {
	q, args := r.builder().Update("invoices").
		Set("status", string(inv.Status)).
		Set("notes", inv.Notes).
		Set("updated_at", toMS(inv.UpdatedAt)).
		Where(entsql.And(entsql.EQ("id", inv.ID.String()), entsql.EQ("status", string(prev)))).
		Query()
	n, err := r.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to update invoice review", "invoice_id", inv.ID, "error", err)
		return false, err
	}
	return n == 1, nil
}
