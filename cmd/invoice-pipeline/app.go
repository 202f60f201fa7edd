package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ai/openai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ai/vertex"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/extract"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/storage"
)

// app is the fully wired pipeline shared by the long-running commands.
type app struct {
	cfg    *common.Config
	logger *slog.Logger

	db    *repository.DB
	store *repository.Store
	pool  *async.Pool
	hub   *notify.Hub
	bus   *eventbus.Bus
	orch  *pipeline.Orchestrator
	svc   *pipeline.Service

	closers []func()
}

func newApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)
	a.store = repository.NewStore(a.db, logger)

	files, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.addCloser("storage", files)

	recognizer, closeOCR, err := newRecognizer(ctx, cfg.OCR, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeOCR)

	analyzer, err := ai.New(ctx, cfg.AI, logger, map[string]ai.Factory{
		ai.ProviderOpenAI: openai.Factory,
		ai.ProviderVertex: vertex.Factory,
	})
	if err != nil {
		return nil, err
	}
	a.addCloser("analyzer", analyzer)

	a.pool = async.NewPool(logger,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
	)
	a.hub = notify.NewHub(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Bus.Path), 0o755); err != nil {
		return nil, fmt.Errorf("bus dir: %w", err)
	}
	a.bus, err = eventbus.Open(ctx, cfg.Bus.Path, a.pool, a.hub, eventbus.OptionsFromConfig(cfg.Bus, logger))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.bus.Close(); err != nil {
			logger.Warn("bus.close.failed", "error", err)
		}
	})

	a.orch = pipeline.NewOrchestrator(pipeline.Deps{
		Store:     a.store,
		Bus:       a.bus,
		Notifier:  a.hub,
		Storage:   files,
		OCR:       recognizer,
		Extractor: extract.NewEngine(a.store.Vendors, logger),
		Analyzer:  analyzer,
		Logger:    logger,
	}, pipeline.Options{
		MaxRetries:  cfg.Pipeline.MaxRetries,
		AutoAnalyze: cfg.Pipeline.AutoAnalyze,
		StaleAfter:  cfg.Pipeline.ProcessTimeout,
	})
	a.orch.Register()
	a.svc = pipeline.NewService(a.orch, export.NewService(a.store, logger), cfg.Upload, logger)

	logger.Info("app.ready",
		"db", dbKind(cfg.Database),
		"storage", cfg.Storage.Backend,
		"ocr", cfg.OCR.Backend,
		"ai", analyzer.Name(),
		"workers", cfg.Pipeline.Workers,
	)
	return a, nil
}

func (a *app) addCloser(name string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	a.closers = append(a.closers, func() {
		if err := c.Close(); err != nil {
			a.logger.Warn("app.close.failed", "component", name, "error", err)
		}
	})
}

// Shutdown drains the worker pool; in-flight handlers finish or time out.
func (a *app) Shutdown(ctx context.Context) {
	if err := a.pool.Shutdown(ctx); err != nil {
		a.logger.Warn("app.pool.shutdown", "error", err)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repository.DB, error) {
	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := db.HealthCheck(ctx, cfg.Database.DialTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("database health: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newRecognizer builds the local-first OCR adapter over the configured backend.
func newRecognizer(ctx context.Context, cfg common.OCRConfig, logger *slog.Logger) (*ocr.Adapter, func(), error) {
	var (
		backend ocr.Backend
		closeFn = func() {}
	)
	switch cfg.Backend {
	case "vision":
		v, err := ocr.NewVisionBackend(ctx, cfg.CredentialsFile, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = v
		closeFn = func() {
			if err := v.Close(); err != nil {
				logger.Warn("ocr.vision.close", "error", err)
			}
		}
	default:
		backend = ocr.NewTesseractBackend(ocr.TesseractConfig{
			Pdftoppm:    cfg.Pdftoppm,
			Tesseract:   cfg.Tesseract,
			Lang:        cfg.Lang,
			DPI:         cfg.DPI,
			MaxPages:    cfg.MaxPages,
			TessdataDir: cfg.TessdataDir,
			PSM:         6,
		}, nil, logger)
	}
	adapter := ocr.NewAdapter(backend, logger,
		ocr.WithLocalThreshold(cfg.LocalThreshold),
		ocr.WithMaxPages(cfg.MaxPages),
	)
	return adapter, closeFn, nil
}

func dbKind(cfg common.DatabaseConfig) string {
	if cfg.IsPostgres() {
		return "postgres"
	}
	return "sqlite"
}
