// Package ingest turns files on disk into batches: a one-shot directory
// import and an inbox directory watched for new files.
package ingest

import (
	"context"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
)

// BatchCreator is the part of the pipeline service ingestion depends on.
type BatchCreator interface {
	CreateBatch(ctx context.Context, req pipeline.CreateBatchRequest) (*entity.Batch, error)
}

// FileResult is the per-file outcome of a directory read.
type FileResult struct {
	Path         string
	HashHex      string
	Deduplicated bool
	Err          string
}

// DirStats summarizes a directory read.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}
