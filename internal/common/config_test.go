package common

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Pipeline.MaxRetries != 3 || cfg.Bus.MaxRetries != 3 {
		t.Fatalf("retries = %d/%d, want 3/3", cfg.Pipeline.MaxRetries, cfg.Bus.MaxRetries)
	}
	if cfg.OCR.LocalThreshold != 0.7 {
		t.Fatalf("threshold = %v, want 0.7", cfg.OCR.LocalThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
database:
  dsn: postgres://u:p@localhost:5432/invoices
bus:
  backoff_base: 250ms
pipeline:
  workers: 2
  auto_analyze: false
ai:
  provider: offline
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PIPELINE_WORKERS", "12")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Database.IsPostgres() {
		t.Fatalf("dsn %q not detected as postgres", cfg.Database.DSN)
	}
	if cfg.Bus.BackoffBase != 250*time.Millisecond {
		t.Fatalf("backoff = %v, want 250ms", cfg.Bus.BackoffBase)
	}
	if cfg.Pipeline.Workers != 12 {
		t.Fatalf("workers = %d, want env override 12", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.AutoAnalyze {
		t.Fatal("auto_analyze from file was not applied")
	}
	if cfg.OCR.Backend != "tesseract" {
		t.Fatalf("untouched default changed: %q", cfg.OCR.Backend)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing openai key": func(c *Config) { c.AI.APIKey = "" },
		"unknown backend":    func(c *Config) { c.OCR.Backend = "magic" },
		"gcs without bucket": func(c *Config) { c.Storage.Backend = "gcs" },
		"bad threshold":      func(c *Config) { c.OCR.LocalThreshold = 1.5 },
		"no workers":         func(c *Config) { c.Pipeline.Workers = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AI.APIKey = "sk-test"
			mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Validate = %v, want ErrInvalidInput", err)
			}
		})
	}
}
