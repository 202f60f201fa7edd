package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/server"
)

func newServeCmd(g *globals) *cobra.Command {
	var inboxDir string
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC API and the pipeline workers",
		Example: `  # serve on GRPC_ADDR with the configured backends
  invoice-pipeline serve

  # also turn files dropped into ./inbox into batches
  invoice-pipeline serve --inbox ./inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g, inboxDir, settle)
		},
	}
	cmd.Flags().StringVar(&inboxDir, "inbox", "", "directory watched for new documents (disabled when empty)")
	cmd.Flags().DurationVar(&settle, "settle", 5*time.Second, "quiet period before an inbox burst becomes a batch")
	return cmd
}

func serve(ctx context.Context, g *globals, inboxDir string, settle time.Duration) error {
	cfg, logger := g.cfg, g.logger
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	gs, hs := server.NewGRPCServer(server.NewPipelineServer(a.svc, a.bus, a.hub, logger), logger)

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.bus.Run(runCtx)
	}()

	if inboxDir != "" {
		in := ingest.NewInbox(ingest.NewIngestor(a.svc, cfg.Upload.MaxFileBytes, logger),
			ingest.InboxConfig{Dir: inboxDir, Settle: settle}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := in.Run(runCtx, func(b *entity.Batch) {
				logger.Info("serve.inbox.batch", "batch_id", b.ID, "documents", b.DocumentCount())
			})
			if err != nil {
				logger.Error("serve.inbox.failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("invoice-pipeline listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("gRPC serve error", "error", err)
			cancel()
			wg.Wait()
			return err
		}
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("graceful stop timed out, closing connections")
		gs.Stop()
	}

	cancel()
	wg.Wait()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	a.Shutdown(shutdownCtx)
	return nil
}
