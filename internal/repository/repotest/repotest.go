// Package repotest opens throwaway databases for tests.
package repotest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

// OpenMemory opens a migrated in-memory database closed by t.Cleanup.
func OpenMemory(t testing.TB) *repository.DB {
	t.Helper()
	db, err := repository.OpenSQLite(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("repotest.OpenMemory: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("repotest.OpenMemory: migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
