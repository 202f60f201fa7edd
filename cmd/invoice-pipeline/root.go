package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

var version = "dev"

// globals is filled by the root command before any subcommand runs.
type globals struct {
	configFile string
	logLevel   string
	envFile    string

	cfg    *common.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "invoice-pipeline",
		Short: "Batch OCR, invoice extraction and AI analysis",
		Long: `invoice-pipeline ingests batches of scanned invoices, runs OCR on every
document, extracts invoice fields and asks an AI backend to analyze the batch.

Configuration comes from built-in defaults, an optional YAML file (--config or
CONFIG_FILE) and environment variables, in that order. A .env file in the
working directory is loaded first when present.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file (overrides CONFIG_FILE)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		newServeCmd(g),
		newWatchCmd(g),
		newIngestCmd(g),
		newOCRCmd(g),
		newExtractCmd(g),
		newExportCmd(g),
		newChatCmd(g),
		newDeadLettersCmd(g),
		newDBCmd(g),
	)
	return root
}

func (g *globals) load() error {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if g.configFile != "" {
		if err := os.Setenv("CONFIG_FILE", g.configFile); err != nil {
			return err
		}
	}
	cfg, err := common.LoadConfig()
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	g.cfg = cfg
	g.logger = newLogger(cfg.Log)
	slog.SetDefault(g.logger)
	return nil
}

func newLogger(cfg common.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
