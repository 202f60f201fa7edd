package repository

import (
	"context"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// VendorRepository satisfies extract.VendorStore.
type VendorRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Vendor, error)
	FindVendorByName(ctx context.Context, name string) (*entity.Vendor, error)
	ListVendors(ctx context.Context) ([]*entity.Vendor, error)
	EnsureVendor(ctx context.Context, name string) (*entity.Vendor, error)
}

var vendorColumns = []string{
	"id", "name", "email", "phone", "address", "status", "created_at", "updated_at",
}

// nameKey is the unique lookup key of a vendor name.
func nameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

type vendorRepo struct {
	conn
	logger *slog.Logger
	now    func() time.Time
}

func newVendorRepo(c conn, logger *slog.Logger) VendorRepository {
	return &vendorRepo{conn: c, logger: logger, now: time.Now}
}

func scanVendor(rows *entsql.Rows) (*entity.Vendor, error) {
	var (
		v                entity.Vendor
		id, status       string
		created, updated int64
	)
	if err := rows.Scan(&id, &v.Name, &v.Email, &v.Phone, &v.Address, &status, &created, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	v.ID = parsed
	v.Status = constants.VendorStatus(status)
	v.CreatedAt = fromMS(created)
	v.UpdatedAt = fromMS(updated)
	return &v, nil
}

func (r *vendorRepo) list(ctx context.Context, p *entsql.Predicate) ([]*entity.Vendor, error) {
	q, args := r.builder().Select(vendorColumns...).From(r.builder().Table("vendors")).
		Where(p).
		OrderBy("name_key").
		Query()
	var out []*entity.Vendor
	err := r.query(ctx, q, args, func(rows *entsql.Rows) error {
		v, err := scanVendor(rows)
		if err == nil {
			out = append(out, v)
		}
		return err
	})
	return out, err
}

func (r *vendorRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Vendor, error) {
	vs, err := r.list(ctx, entsql.EQ("id", id.String()))
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, notFound("vendor", id)
	}
	return vs[0], nil
}

func (r *vendorRepo) FindVendorByName(ctx context.Context, name string) (*entity.Vendor, error) {
	vs, err := r.list(ctx, entsql.EQ("name_key", nameKey(name)))
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, notFound("vendor", name)
	}
	return vs[0], nil
}

// ListVendors returns ACTIVE vendors.
func (r *vendorRepo) ListVendors(ctx context.Context) ([]*entity.Vendor, error) {
	return r.list(ctx, entsql.EQ("status", string(constants.VendorStatusActive)))
}

// EnsureVendor inserts an ACTIVE vendor unless one with the same name key
// exists; concurrent callers end up with the same row.
func (r *vendorRepo) EnsureVendor(ctx context.Context, name string) (*entity.Vendor, error) {
	name = strings.TrimSpace(name)
	now := r.now().UTC()
	q, args := r.builder().Insert("vendors").
		Columns("id", "name", "name_key", "status", "created_at", "updated_at").
		Values(entity.NewID().String(), name, nameKey(name), string(constants.VendorStatusActive), toMS(now), toMS(now)).
		OnConflict(entsql.ConflictColumns("name_key"), entsql.DoNothing()).
		Query()
	n, err := r.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to ensure vendor", "vendor", name, "error", err)
		return nil, err
	}
	if n == 1 {
		r.logger.Info("vendor created", "vendor", name)
	}
	return r.FindVendorByName(ctx, name)
}
