package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// TesseractConfig drives the external pdftoppm + tesseract toolchain.
type TesseractConfig struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	Lang        string // default "eng"
	DPI         int    // rasterization DPI for scanned PDFs, default 300
	MaxPages    int    // 0 = no limit
	TessdataDir string

	PSM int // e.g., 6 is good for uniform block of text
	OEM int // 1 = LSTM; leave 0 to use default
}

// TesseractBackend rasterizes PDFs with pdftoppm and recognizes each page
// with tesseract, reading the mean word confidence from TSV output.
type TesseractBackend struct {
	cfg    TesseractConfig
	runner Runner
	logger *slog.Logger
}

func NewTesseractBackend(cfg TesseractConfig, runner Runner, logger *slog.Logger) *TesseractBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &TesseractBackend{cfg: cfg, runner: runner, logger: logger}
}

func (t *TesseractBackend) Name() string { return "tesseract" }

func (t *TesseractBackend) Recognize(ctx context.Context, data []byte, contentType string) (Result, error) {
	tmpDir, err := os.MkdirTemp("", "ocr-*")
	if err != nil {
		return Result{}, WrapOCRError("tesseract", err, "create temp dir")
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.logger.Warn("ocr.tmp.cleanup_failed", "dir", tmpDir, "error", err)
		}
	}()

	ext := ".bin"
	for e, ct := range constants.AllowedExtensions {
		if ct == contentType {
			ext = "." + e
			break
		}
	}
	in := filepath.Join(tmpDir, "input"+ext)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return Result{}, WrapOCRError("tesseract", err, "write input")
	}

	images := []string{in}
	if constants.FormatOf(contentType) == constants.PDF {
		images, err = t.rasterize(ctx, in, tmpDir)
		if err != nil {
			return Result{}, err
		}
	}

	var (
		b     strings.Builder
		warns []string
		sum   float32
		n     int
	)
	for _, img := range images {
		txt, err := t.recognizeImage(ctx, img)
		if err != nil {
			warns = append(warns, err.Error())
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(txt)

		conf, err := t.tsvConfidence(ctx, img)
		if err != nil {
			warns = append(warns, err.Error())
		} else if conf > 0 {
			sum += conf
			n++
		}
	}
	if b.Len() == 0 && len(warns) > 0 {
		return Result{Warnings: warns}, NewOCRError("tesseract", ErrBackendUnavailable, warns[0])
	}

	var conf float32
	if n > 0 {
		conf = sum / float32(n)
	}
	return Result{
		Text:       b.String(),
		Confidence: conf,
		Pages:      len(images),
		Method:     "tesseract",
		Warnings:   warns,
	}, nil
}

func (t *TesseractBackend) rasterize(ctx context.Context, in, tmpDir string) ([]string, error) {
	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	_, errb, err := t.runner.Run(ctx, t.cfg.Pdftoppm, "-r", strconv.Itoa(t.cfg.DPI), "-png", in, prefix)
	if err != nil {
		return nil, NewOCRError("pdftoppm", ErrBackendUnavailable, strings.TrimSpace(string(errb)))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if t.cfg.MaxPages > 0 && len(matches) > t.cfg.MaxPages {
		matches = matches[:t.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, NewOCRError("pdftoppm", ErrUnreadableInput, "no pages rendered")
	}
	return matches, nil
}

func (t *TesseractBackend) baseArgs(path string) []string {
	args := []string{path, "stdout", "-l", t.cfg.Lang}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	if t.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(t.cfg.OEM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	return args
}

func (t *TesseractBackend) recognizeImage(ctx context.Context, path string) (string, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Tesseract, t.baseArgs(path)...)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	return string(out), nil
}

// tsvConfidence runs tesseract in TSV mode and returns mean word conf in 0..1.
func (t *TesseractBackend) tsvConfidence(ctx context.Context, path string) (float32, error) {
	out, _, err := t.runner.Run(ctx, t.cfg.Tesseract, append(t.baseArgs(path), "tsv")...)
	if err != nil {
		return 0, fmt.Errorf("tesseract tsv: %w", err)
	}
	return meanTSVConfidence(string(out)), nil
}

// meanTSVConfidence averages the conf column, skipping the header and -1 rows.
func meanTSVConfidence(tsv string) float32 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || len(ln) == 0 {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := cols[10]
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil && v >= 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float32(sum / n / 100.0)
}
