package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
)

// Ingestor reads local files into batch uploads.
type Ingestor struct {
	creator      BatchCreator
	maxFileBytes int64
	logger       *slog.Logger
}

func NewIngestor(creator BatchCreator, maxFileBytes int64, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{creator: creator, maxFileBytes: maxFileBytes, logger: logger}
}

// AllowedExt checks if a file extension is accepted for upload.
func AllowedExt(ext string) bool {
	_, ok := constants.AllowedExtensions[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// collector accumulates uploads, dropping repeated content.
type collector struct {
	maxFileBytes int64
	seen         map[string]string
	uploads      []pipeline.Upload
	results      []FileResult
	stats        DirStats
}

func newCollector(maxFileBytes int64) *collector {
	return &collector{maxFileBytes: maxFileBytes, seen: map[string]string{}}
}

func (c *collector) fail(path string, err error) {
	c.results = append(c.results, FileResult{Path: path, Err: err.Error()})
	c.stats.Failed++
}

func (c *collector) add(path string) {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if !AllowedExt(ext) {
		return
	}
	c.stats.Matched++

	info, err := os.Stat(path)
	if err != nil {
		c.fail(path, err)
		return
	}
	if c.maxFileBytes > 0 && info.Size() > c.maxFileBytes {
		c.fail(path, fmt.Errorf("file exceeds %d bytes", c.maxFileBytes))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.fail(path, err)
		return
	}

	sum := sha256.Sum256(data)
	hexHash := hex.EncodeToString(sum[:])
	if _, dup := c.seen[hexHash]; dup {
		c.results = append(c.results, FileResult{Path: path, HashHex: hexHash, Deduplicated: true})
		c.stats.Deduplicated++
		return
	}
	c.seen[hexHash] = path

	c.uploads = append(c.uploads, pipeline.Upload{
		FileName:    filepath.Base(path),
		ContentType: constants.AllowedExtensions[ext],
		Data:        data,
	})
	c.results = append(c.results, FileResult{Path: path, HashHex: hexHash})
	c.stats.Succeeded++
}

// ReadDirectory walks root and reads every supported file. Unreadable
// entries are reported per file and do not stop the walk.
func (i *Ingestor) ReadDirectory(root string, skipHidden bool) ([]pipeline.Upload, []FileResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, nil, DirStats{}, errors.New("root_path is required")
	}
	c := newCollector(i.maxFileBytes)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		c.stats.Scanned++
		if walkErr != nil {
			c.fail(path, walkErr)
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		c.add(path)
		return nil
	})
	if err != nil {
		return c.uploads, c.results, c.stats, fmt.Errorf("walk: %w", err)
	}
	return c.uploads, c.results, c.stats, nil
}

// ReadPaths reads the given files, in order.
func (i *Ingestor) ReadPaths(paths []string) ([]pipeline.Upload, []FileResult, DirStats) {
	c := newCollector(i.maxFileBytes)
	for _, p := range paths {
		c.stats.Scanned++
		c.add(p)
	}
	return c.uploads, c.results, c.stats
}

// IngestDirectory creates one batch named name from the files under root.
func (i *Ingestor) IngestDirectory(ctx context.Context, name, root string, skipHidden bool) (*entity.Batch, []FileResult, DirStats, error) {
	uploads, results, stats, err := i.ReadDirectory(root, skipHidden)
	if err != nil {
		return nil, results, stats, err
	}
	if len(uploads) == 0 {
		return nil, results, stats, fmt.Errorf("no supported files under %s", root)
	}
	b, err := i.creator.CreateBatch(ctx, pipeline.CreateBatchRequest{Name: name, Files: uploads})
	if err != nil {
		return nil, results, stats, err
	}
	i.logger.Info("ingest.directory.ok",
		"batch_id", b.ID,
		"root", root,
		"matched", stats.Matched,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	return b, results, stats, nil
}
