package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// BatchFilter narrows List. Zero values mean no filter.
type BatchFilter struct {
	Status constants.BatchStatus
	Limit  int
	Offset int
}

type BatchRepository interface {
	Create(ctx context.Context, b *entity.Batch) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Batch, error)
	List(ctx context.Context, f BatchFilter) ([]*entity.Batch, error)
	// UpdateStatus persists b's status fields only if the stored status is
	// still prev. It reports whether the row was updated.
	UpdateStatus(ctx context.Context, b *entity.Batch, prev constants.BatchStatus) (bool, error)
	UpdateCounts(ctx context.Context, id uuid.UUID, processed, failed int, now time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

var batchColumns = []string{
	"id", "name", "description", "status", "processed_count", "failed_count",
	"error_message", "created_at", "updated_at", "started_at", "completed_at",
}

type batchRepo struct {
	conn
	logger *slog.Logger
}

func newBatchRepo(c conn, logger *slog.Logger) BatchRepository {
	return &batchRepo{conn: c, logger: logger}
}

func (r *batchRepo) Create(ctx context.Context, b *entity.Batch) error {
	q, args := r.builder().Insert("batches").
		Columns(batchColumns...).
		Values(
			b.ID.String(), b.Name, b.Description, string(b.Status), b.ProcessedCount, b.FailedCount,
			nullStr(b.ErrorMessage), toMS(b.CreatedAt), toMS(b.UpdatedAt), nullMS(b.StartedAt), nullMS(b.CompletedAt),
		).Query()
	if _, err := r.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to create batch", "batch_id", b.ID, "error", err)
		return err
	}
	return nil
}

func scanBatch(rows *entsql.Rows) (*entity.Batch, error) {
	var (
		b                 entity.Batch
		id, status        string
		errMsg            sql.NullString
		created, updated  int64
		started, finished sql.NullInt64
	)
	if err := rows.Scan(&id, &b.Name, &b.Description, &status, &b.ProcessedCount, &b.FailedCount,
		&errMsg, &created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	b.ID = parsed
	b.Status = constants.BatchStatus(status)
	b.ErrorMessage = fromNullStr(errMsg)
	b.CreatedAt = fromMS(created)
	b.UpdatedAt = fromMS(updated)
	b.StartedAt = fromNullMS(started)
	b.CompletedAt = fromNullMS(finished)
	return &b, nil
}

func (r *batchRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Batch, error) {
	t := r.builder().Table("batches")
	q, args := r.builder().Select(batchColumns...).From(t).
		Where(entsql.EQ("id", id.String())).
		Query()

	var out *entity.Batch
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		b, err := scanBatch(rows)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, notFound("batch", id)
	}
	if err := r.loadDocumentIDs(ctx, []*entity.Batch{out}); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns batches oldest first.
func (r *batchRepo) List(ctx context.Context, f BatchFilter) ([]*entity.Batch, error) {
	t := r.builder().Table("batches")
	sel := r.builder().Select(batchColumns...).From(t).OrderBy("created_at", "id")
	if f.Status != "" {
		sel.Where(entsql.EQ("status", string(f.Status)))
	}
	limit := f.Limit
	if limit <= 0 && f.Offset > 0 {
		// sqlite rejects OFFSET without LIMIT
		limit = math.MaxInt32
	}
	if limit > 0 {
		sel.Limit(limit)
	}
	if f.Offset > 0 {
		sel.Offset(f.Offset)
	}
	q, args := sel.Query()

	var out []*entity.Batch
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		b, err := scanBatch(rows)
		if err == nil {
			out = append(out, b)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := r.loadDocumentIDs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchRepo) loadDocumentIDs(ctx context.Context, batches []*entity.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	byID := make(map[string]*entity.Batch, len(batches))
	ids := make([]any, 0, len(batches))
	for _, b := range batches {
		b.DocumentIDs = nil
		byID[b.ID.String()] = b
		ids = append(ids, b.ID.String())
	}

	t := r.builder().Table("documents")
	q, args := r.builder().Select("batch_id", "id").From(t).
		Where(entsql.In("batch_id", ids...)).
		OrderBy("batch_id", "position_idx").
		Query()
	return r.query(ctx, q, args, func(rows *entsql.Rows) error {
		var batchID, docID string
		if err := rows.Scan(&batchID, &docID); err != nil {
			return err
		}
		id, err := uuid.Parse(docID)
		if err != nil {
			return err
		}
		if b := byID[batchID]; b != nil {
			b.DocumentIDs = append(b.DocumentIDs, id)
		}
		return nil
	})
}

func (r *batchRepo) UpdateStatus(ctx context.Context, b *entity.Batch, prev constants.BatchStatus) (bool, error) {
	q, args := r.builder().Update("batches").
		Set("status", string(b.Status)).
		Set("error_message", nullStr(b.ErrorMessage)).
		Set("updated_at", toMS(b.UpdatedAt)).
		Set("started_at", nullMS(b.StartedAt)).
		Set("completed_at", nullMS(b.CompletedAt)).
		Where(entsql.And(entsql.EQ("id", b.ID.String()), entsql.EQ("status", string(prev)))).
		Query()
	n, err := r.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to update batch status", "batch_id", b.ID, "status", b.Status, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *batchRepo) UpdateCounts(ctx context.Context, id uuid.UUID, processed, failed int, now time.Time) error {
	q, args := r.builder().Update("batches").
		Set("processed_count", processed).
		Set("failed_count", failed).
		Set("updated_at", toMS(now)).
		Where(entsql.EQ("id", id.String())).
		Query()
	n, err := r.exec(ctx, q, args)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("batch", id)
	}
	return nil
}

// Delete removes the batch; documents, invoices and the analysis cascade.
func (r *batchRepo) Delete(ctx context.Context, id uuid.UUID) error {
	q, args := r.builder().Delete("batches").Where(entsql.EQ("id", id.String())).Query()
	n, err := r.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to delete batch", "batch_id", id, "error", err)
		return err
	}
	if n == 0 {
		return notFound("batch", id)
	}
	return nil
}
