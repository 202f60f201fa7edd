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

// DocumentState is the slice of a document the progress recount needs.
type DocumentState struct {
	ID         uuid.UUID
	Status     constants.DocumentStatus
	RetryCount int
}

type DocumentRepository interface {
	CreateMany(ctx context.Context, docs []*entity.Document) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*entity.Document, error)
	// Save persists the processing fields of d only if the stored status and
	// retry count still equal prevStatus and prevRetry.
	Save(ctx context.Context, d *entity.Document, prevStatus constants.DocumentStatus, prevRetry int) (bool, error)
	States(ctx context.Context, batchID uuid.UUID) ([]DocumentState, error)
}

var documentColumns = []string{
	"id", "batch_id", "file_name", "content_type", "storage_key", "position_idx", "status",
	"extracted_text", "ocr_confidence", "page_count", "retry_count", "error_message",
	"created_at", "updated_at",
}

type documentRepo struct {
	conn
	logger *slog.Logger
}

func newDocumentRepo(c conn, logger *slog.Logger) DocumentRepository {
	return &documentRepo{conn: c, logger: logger}
}

func (r *documentRepo) CreateMany(ctx context.Context, docs []*entity.Document) error {
	if len(docs) == 0 {
		return nil
	}
	ins := r.builder().Insert("documents").Columns(documentColumns...)
	for _, d := range docs {
		ins.Values(
			d.ID.String(), d.BatchID.String(), d.FileName, d.ContentType, d.StorageKey, d.Position, string(d.Status),
			nullStr(d.ExtractedText), d.OCRConfidence, d.PageCount, d.RetryCount, nullStr(d.ErrorMessage),
			toMS(d.CreatedAt), toMS(d.UpdatedAt),
		)
	}
	q, args := ins.Query()
	if _, err := r.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to create documents", "batch_id", docs[0].BatchID, "count", len(docs), "error", err)
		return err
	}
	return nil
}

func scanDocument(rows *entsql.Rows) (*entity.Document, error) {
	var (
		d                   entity.Document
		id, batchID, status string
		text, errMsg        sql.NullString
		created, updated    int64
	)
	if err := rows.Scan(&id, &batchID, &d.FileName, &d.ContentType, &d.StorageKey, &d.Position, &status,
		&text, &d.OCRConfidence, &d.PageCount, &d.RetryCount, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if d.BatchID, err = uuid.Parse(batchID); err != nil {
		return nil, err
	}
	d.Status = constants.DocumentStatus(status)
	d.ExtractedText = fromNullStr(text)
	d.ErrorMessage = fromNullStr(errMsg)
	d.CreatedAt = fromMS(created)
	d.UpdatedAt = fromMS(updated)
	return &d, nil
}

func (r *documentRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	q, args := r.builder().Select(documentColumns...).From(r.builder().Table("documents")).
		Where(entsql.EQ("id", id.String())).
		Query()
	var out *entity.Document
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		d, err := scanDocument(rows)
		out = d
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, notFound("document", id)
	}
	return out, nil
}

// ListByBatch returns the batch's documents in upload order.
func (r *documentRepo) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*entity.Document, error) {
	q, args := r.builder().Select(documentColumns...).From(r.builder().Table("documents")).
		Where(entsql.EQ("batch_id", batchID.String())).
		OrderBy("position_idx").
		Query()
	var out []*entity.Document
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		d, err := scanDocument(rows)
		if err == nil {
			out = append(out, d)
		}
		return err
	})
	return out, err
}

func (r *documentRepo) Save(ctx context.Context, d *entity.Document, prevStatus constants.DocumentStatus, prevRetry int) (bool, error) {
	q, args := r.builder().Update("documents").
		Set("status", string(d.Status)).
		Set("extracted_text", nullStr(d.ExtractedText)).
		Set("ocr_confidence", d.OCRConfidence).
		Set("page_count", d.PageCount).
		Set("retry_count", d.RetryCount).
		Set("error_message", nullStr(d.ErrorMessage)).
		Set("updated_at", toMS(d.UpdatedAt)).
		Where(entsql.And(
			entsql.EQ("id", d.ID.String()),
			entsql.EQ("status", string(prevStatus)),
			entsql.EQ("retry_count", prevRetry),
		)).
		Query()
	n, err := r.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to save document", "document_id", d.ID, "status", d.Status, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *documentRepo) States(ctx context.Context, batchID uuid.UUID) ([]DocumentState, error) {
	q, args := r.builder().Select("id", "status", "retry_count").From(r.builder().Table("documents")).
		Where(entsql.EQ("batch_id", batchID.String())).
		Query()
	var out []DocumentState
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		var id, status string
		var st DocumentState
		if err := rows.Scan(&id, &status, &st.RetryCount); err != nil {
			return err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		st.ID = parsed
		st.Status = constants.DocumentStatus(status)
		out = append(out, st)
		return nil
	})
	return out, err
}
