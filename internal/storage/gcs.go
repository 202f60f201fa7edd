package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// GCS stores documents in a Cloud Storage bucket. Paths are gs:// URIs.
type GCS struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

func NewGCS(ctx context.Context, bucket string, logger *slog.Logger) (*GCS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, &common.StorageError{Op: "init", Path: bucket, Err: err}
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) uri(key string) string { return "gs://" + g.bucket + "/" + key }

func (g *GCS) object(path string) (string, error) {
	prefix := "gs://" + g.bucket + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("path %q is not in bucket %s", path, g.bucket)
	}
	return cleanKey(strings.TrimPrefix(path, prefix))
}

// Store writes the object only if it does not exist yet, so a redelivered
// upload is a no-op.
func (g *GCS) Store(ctx context.Context, key string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	w := g.client.Bucket(g.bucket).Object(k).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", &common.StorageError{Op: "store", Path: g.uri(k), Err: err}
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			g.logger.Debug("storage.gcs.exists", "key", k)
			return g.uri(k), nil
		}
		return "", &common.StorageError{Op: "store", Path: g.uri(k), Err: err}
	}
	g.logger.Debug("storage.gcs.stored", "key", k, "bytes", len(data))
	return g.uri(k), nil
}

func (g *GCS) Retrieve(ctx context.Context, path string) ([]byte, error) {
	k, err := g.object(path)
	if err != nil {
		return nil, &common.StorageError{Op: "retrieve", Path: path, Err: err}
	}
	r, err := g.client.Bucket(g.bucket).Object(k).NewReader(ctx)
	if err != nil {
		return nil, &common.StorageError{Op: "retrieve", Path: path, Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &common.StorageError{Op: "retrieve", Path: path, Err: err}
	}
	return data, nil
}

func (g *GCS) Delete(ctx context.Context, path string) error {
	k, err := g.object(path)
	if err != nil {
		return &common.StorageError{Op: "delete", Path: path, Err: err}
	}
	err = g.client.Bucket(g.bucket).Object(k).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return &common.StorageError{Op: "delete", Path: path, Err: err}
	}
	return nil
}
