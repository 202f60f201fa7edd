package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_URL", filepath.Join(dir, "pipeline.db"))
	t.Setenv("BUS_PATH", filepath.Join(dir, "bus.db"))
	t.Setenv("STORAGE_DIR", filepath.Join(dir, "documents"))
	t.Setenv("AI_PROVIDER", "offline")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	if err := root.Execute(); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestExtractFromText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoice.txt")
	body := "Vendor: Acme Supplies\nInvoice Number: INV-2024-001\nTotal: $1,234.56\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var got extractOutput
	if err := json.Unmarshal([]byte(run(t, "extract", path)), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !got.Complete {
		t.Errorf("complete = false, missing %v", got.Missing)
	}
	if got.InvoiceNumber == nil || *got.InvoiceNumber != "INV-2024-001" {
		t.Errorf("invoice_number = %v", got.InvoiceNumber)
	}
	if got.Amount == nil || *got.Amount != "1234.56" {
		t.Errorf("amount = %v", got.Amount)
	}
}

func TestMigrateAndEmptyDeadLetters(t *testing.T) {
	if out := run(t, "db", "migrate"); !strings.Contains(out, "migrated sqlite database") {
		t.Fatalf("migrate output: %q", out)
	}
	out := run(t, "dead-letters", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("expected header only, got %q", out)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, tc := range []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"", false},
	} {
		l := newLogger(common.LogConfig{Level: tc.level})
		if got := l.Enabled(context.Background(), slog.LevelDebug); got != tc.debug {
			t.Errorf("level %q: debug enabled = %v", tc.level, got)
		}
	}
}
