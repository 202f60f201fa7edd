package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
)

// startWorkers runs the bus consumer until the returned stop is called.
func (a *app) startWorkers(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.bus.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
		sctx, done := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer done()
		a.Shutdown(sctx)
	}
}

// waitSettled polls until the batch stops moving on its own: a terminal
// status, or OCR_COMPLETED when analysis is not automatic.
func (a *app) waitSettled(ctx context.Context, id uuid.UUID) (*entity.Batch, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		b, err := a.svc.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Status.IsTerminal() || (b.Status == constants.BatchStatusOCRCompleted && !a.cfg.Pipeline.AutoAnalyze) {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newIngestCmd(g *globals) *cobra.Command {
	var (
		name       string
		skipHidden bool
		wait       bool
		out        string
	)
	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Create one batch from the documents under a directory",
		Example: `  # queue a batch and return
  invoice-pipeline ingest ./scans/march

  # process it to completion and write the spreadsheet
  invoice-pipeline ingest ./scans/march --wait -o march.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root := args[0]
			if name == "" {
				name = filepath.Base(filepath.Clean(root))
			}
			a, err := newApp(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var stopWorkers func()
			if wait {
				stopWorkers = a.startWorkers(ctx)
				defer stopWorkers()
			}

			ing := ingest.NewIngestor(a.svc, g.cfg.Upload.MaxFileBytes, g.logger)
			b, results, stats, err := ing.IngestDirectory(ctx, name, root, skipHidden)
			for _, r := range results {
				if r.Err != "" {
					g.logger.Warn("ingest.file.failed", "path", r.Path, "error", r.Err)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d documents (%d duplicates skipped, %d failed)\n",
				b.ID, b.DocumentCount(), stats.Deduplicated, stats.Failed)
			if !wait {
				return nil
			}

			b, err = a.waitSettled(ctx, b.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %s, %d processed, %d failed\n",
				b.ID, b.Status, b.ProcessedCount, b.FailedCount)
			if out == "" {
				return nil
			}
			return writeExport(ctx, a, b.ID, "", out, cmd)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "batch name (default: directory name)")
	cmd.Flags().BoolVar(&skipHidden, "skip-hidden", true, "skip dot files and directories")
	cmd.Flags().BoolVar(&wait, "wait", false, "process the batch in-process and wait for it to settle")
	cmd.Flags().StringVarP(&out, "output", "o", "", "with --wait, write the XLSX export here")
	return cmd
}

func newWatchCmd(g *globals) *cobra.Command {
	var settle time.Duration
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Turn files dropped into a directory into batches and process them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			stopWorkers := a.startWorkers(ctx)
			defer stopWorkers()

			in := ingest.NewInbox(ingest.NewIngestor(a.svc, g.cfg.Upload.MaxFileBytes, g.logger),
				ingest.InboxConfig{Dir: args[0], Settle: settle, NamePrefix: prefix}, g.logger)
			return in.Run(ctx, func(b *entity.Batch) {
				fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d documents\n", b.ID, b.DocumentCount())
			})
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 5*time.Second, "quiet period before a burst becomes a batch")
	cmd.Flags().StringVar(&prefix, "prefix", "inbox", "batch name prefix")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var out, status string
	cmd := &cobra.Command{
		Use:   "export <batch-id>",
		Short: "Write a batch's invoices to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := common.ParseID("batch_id", args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if out == "" {
				out = "batch-" + id.String() + ".xlsx"
			}
			return writeExport(cmd.Context(), a, id, constants.InvoiceStatus(status), out, cmd)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default: batch-<id>.xlsx)")
	cmd.Flags().StringVar(&status, "status", "", "only invoices with this status (PENDING, APPROVED, ...)")
	return cmd
}

func writeExport(ctx context.Context, a *app, id uuid.UUID, status constants.InvoiceStatus, out string, cmd *cobra.Command) error {
	if status != "" && !status.Valid() {
		return common.ValidationError{Field: "status", Value: status, Message: "unknown invoice status"}
	}
	data, err := a.svc.ExportBatch(ctx, id, status)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
	return nil
}

func newChatCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <batch-id> <question>",
		Short: "Ask the AI backend a question about a processed batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := common.ParseID("batch_id", args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			answer, err := a.svc.Chat(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
}
