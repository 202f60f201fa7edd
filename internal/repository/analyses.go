package repository

import (
	"context"
	"encoding/json"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

type AnalysisRepository interface {
	// Upsert stores the analysis of a batch, replacing an earlier one.
	Upsert(ctx context.Context, a *entity.Analysis) error
	GetByBatch(ctx context.Context, batchID uuid.UUID) (*entity.Analysis, error)
}

type analysisRepo struct {
	conn
	logger *slog.Logger
}

func newAnalysisRepo(c conn, logger *slog.Logger) AnalysisRepository {
	return &analysisRepo{conn: c, logger: logger}
}

func (r *analysisRepo) Upsert(ctx context.Context, a *entity.Analysis) error {
	recs, err := json.Marshal(nonNilStrings(a.Recommendations))
	if err != nil {
		return err
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	q, args := r.builder().Insert("analyses").
		Columns("id", "batch_id", "summary", "recommendations", "metadata", "created_at").
		Values(a.ID.String(), a.BatchID.String(), a.Summary, string(recs), string(metaJSON), toMS(a.CreatedAt)).
		OnConflict(
			entsql.ConflictColumns("batch_id"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("summary").
					SetExcluded("recommendations").
					SetExcluded("metadata").
					SetExcluded("created_at")
			}),
		).
		Query()
	if _, err := r.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to upsert analysis", "batch_id", a.BatchID, "error", err)
		return err
	}
	return nil
}

func (r *analysisRepo) GetByBatch(ctx context.Context, batchID uuid.UUID) (*entity.Analysis, error) {
	q, args := r.builder().Select("id", "batch_id", "summary", "recommendations", "metadata", "created_at").
		From(r.builder().Table("analyses")).
		Where(entsql.EQ("batch_id", batchID.String())).
		Query()

	var out *entity.Analysis
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		var (
			a                  entity.Analysis
			id, bid, recs, mjs string
			created            int64
		)
		if err := rows.Scan(&id, &bid, &a.Summary, &recs, &mjs, &created); err != nil {
			return err
		}
		var err error
		if a.ID, err = uuid.Parse(id); err != nil {
			return err
		}
		if a.BatchID, err = uuid.Parse(bid); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(recs), &a.Recommendations); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(mjs), &a.Metadata); err != nil {
			return err
		}
		a.CreatedAt = fromMS(created)
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, notFound("analysis for batch", batchID)
	}
	return out, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
