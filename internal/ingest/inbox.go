package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
)

const (
	doneDir   = ".done"
	failedDir = ".failed"
)

type InboxConfig struct {
	Dir string
	// Settle is how long the inbox must stay quiet before the files that
	// arrived are submitted as one batch. Default: 5s.
	Settle time.Duration
	// NamePrefix names created batches "<prefix> <timestamp>". Default: "inbox".
	NamePrefix string
}

// Inbox watches a directory and turns each burst of new files into a batch.
// Submitted files move to .done, rejected ones to .failed.
type Inbox struct {
	ingestor *Ingestor
	cfg      InboxConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewInbox(ingestor *Ingestor, cfg InboxConfig, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 5 * time.Second
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "inbox"
	}
	return &Inbox{ingestor: ingestor, cfg: cfg, now: time.Now, logger: logger}
}

// Run blocks until ctx is done. onBatch, if set, sees every created batch.
func (in *Inbox) Run(ctx context.Context, onBatch func(*entity.Batch)) error {
	if err := os.MkdirAll(in.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("inbox dir: %w", err)
	}
	paths, errs, err := StartWatcher(ctx, WatchConfig{
		Roots:       []string{in.cfg.Dir},
		InitialScan: true,
		SkipHidden:  true,
		Logger:      in.logger,
	})
	if err != nil {
		return err
	}
	in.logger.Info("ingest.inbox.started", "dir", in.cfg.Dir, "settle", in.cfg.Settle)

	var (
		burst []string
		seen  = map[string]struct{}{}
		quiet = time.NewTimer(in.cfg.Settle)
	)
	quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("ingest.inbox.stopped", "pending", len(burst))
			return nil
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				burst = append(burst, p)
			}
			quiet.Reset(in.cfg.Settle)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			in.logger.Warn("ingest.inbox.watch_error", "error", err)
		case <-quiet.C:
			b, err := in.Submit(ctx, burst)
			burst, seen = nil, map[string]struct{}{}
			if err != nil {
				in.logger.Error("ingest.inbox.submit_failed", "error", err)
				continue
			}
			if b != nil && onBatch != nil {
				onBatch(b)
			}
		}
	}
}

// Submit creates one batch from paths and files them away.
func (in *Inbox) Submit(ctx context.Context, paths []string) (*entity.Batch, error) {
	var present []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}

	uploads, results, stats := in.ingestor.ReadPaths(present)
	for _, r := range results {
		if r.Err != "" {
			in.logger.Warn("ingest.inbox.file_failed", "path", r.Path, "error", r.Err)
			in.move(r.Path, failedDir)
		}
	}
	if len(uploads) == 0 {
		return nil, errors.New("no readable files in burst")
	}

	name := in.cfg.NamePrefix + " " + in.now().UTC().Format("2006-01-02 15:04:05")
	b, err := in.ingestor.creator.CreateBatch(ctx, pipeline.CreateBatchRequest{Name: name, Files: uploads})
	target := doneDir
	if err != nil {
		target = failedDir
	}
	for _, r := range results {
		if r.Err == "" {
			in.move(r.Path, target)
		}
	}
	if err != nil {
		return nil, err
	}
	in.logger.Info("ingest.inbox.batch", "batch_id", b.ID, "files", len(uploads), "deduplicated", stats.Deduplicated)
	return b, nil
}

func (in *Inbox) move(path, sub string) {
	dir := filepath.Join(in.cfg.Dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		in.logger.Warn("ingest.inbox.move_failed", "path", path, "error", err)
		return
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s-%d%s", dst[:len(dst)-len(ext)], in.now().UnixNano(), ext)
	}
	if err := os.Rename(path, dst); err != nil {
		in.logger.Warn("ingest.inbox.move_failed", "path", path, "error", err)
	}
}
