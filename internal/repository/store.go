package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Store groups the repositories over one connection or transaction.
type Store struct {
	db     *DB
	logger *slog.Logger

	Batches   BatchRepository
	Documents DocumentRepository
	Invoices  InvoiceRepository
	Vendors   VendorRepository
	Analyses  AnalysisRepository
}

func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return newStore(db, conn{q: db.drv, dialect: db.Dialect()}, logger)
}

func newStore(db *DB, c conn, logger *slog.Logger) *Store {
	return &Store{
		db:        db,
		logger:    logger,
		Batches:   newBatchRepo(c, logger),
		Documents: newDocumentRepo(c, logger),
		Invoices:  newInvoiceRepo(c, logger),
		Vendors:   newVendorRepo(c, logger),
		Analyses:  newAnalysisRepo(c, logger),
	}
}

// InTx runs fn with repositories bound to one transaction, committing when
// fn returns nil. fn must only use the Store it is given.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	tx, err := s.db.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", common.ErrDatabase, err)
	}
	txStore := newStore(s.db, conn{q: tx, dialect: s.db.Dialect()}, s.logger)

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", common.ErrDatabase, err)
	}
	return nil
}
