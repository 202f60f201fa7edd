// Package storage keeps uploaded document bytes outside the database.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Storage stores and retrieves document bytes. Store returns the path to
// hand back to Retrieve and Delete. Failures are *common.StorageError.
type Storage interface {
	Store(ctx context.Context, key string, data []byte) (string, error)
	Retrieve(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir, logger)
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown storage backend %q", cfg.Backend), common.ErrInvalidInput)
	}
}

// DocumentKey is the object key of an uploaded document.
func DocumentKey(batchID, documentID uuid.UUID, fileName string) string {
	ext := constants.NormalizeExt(path.Ext(fileName))
	key := "batches/" + batchID.String() + "/" + documentID.String()
	if ext != "" {
		key += "." + ext
	}
	return key
}

// cleanKey rejects keys that would escape the storage root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("empty key")
	}
	if k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("key %q is not canonical", key)
	}
	return k, nil
}
