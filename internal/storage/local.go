package storage

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Local stores documents under a root directory. Paths are the keys.
type Local struct {
	root   string
	logger *slog.Logger
}

func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &common.StorageError{Op: "init", Path: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &common.StorageError{Op: "init", Path: abs, Err: err}
	}
	return &Local{root: abs, logger: logger}, nil
}

func (l *Local) file(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(k)), nil
}

// Store writes data atomically through a temp file and rename.
func (l *Local) Store(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	dst, err := l.file(key)
	if err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", &common.StorageError{Op: "store", Path: key, Err: err}
	}
	l.logger.Debug("storage.local.stored", "key", key, "bytes", len(data))
	return key, nil
}

func (l *Local) Retrieve(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &common.StorageError{Op: "retrieve", Path: path, Err: err}
	}
	src, err := l.file(path)
	if err != nil {
		return nil, &common.StorageError{Op: "retrieve", Path: path, Err: err}
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, &common.StorageError{Op: "retrieve", Path: path, Err: err}
	}
	return data, nil
}

// Delete removes the file; a missing file is not an error.
func (l *Local) Delete(_ context.Context, path string) error {
	src, err := l.file(path)
	if err != nil {
		return &common.StorageError{Op: "delete", Path: path, Err: err}
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &common.StorageError{Op: "delete", Path: path, Err: err}
	}
	return nil
}
