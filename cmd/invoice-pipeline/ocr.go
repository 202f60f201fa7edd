package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/extract"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
)

type ocrOutput struct {
	File       string   `json:"file"`
	Method     string   `json:"method"`
	Pages      int      `json:"pages"`
	Confidence float32  `json:"confidence"`
	DurationMS int64    `json:"duration_ms"`
	Warnings   []string `json:"warnings,omitempty"`
	Text       string   `json:"text"`
}

type extractOutput struct {
	File          string   `json:"file"`
	Complete      bool     `json:"complete"`
	Missing       []string `json:"missing,omitempty"`
	InvoiceNumber *string  `json:"invoice_number,omitempty"`
	Amount        *string  `json:"amount,omitempty"`
	InvoiceDate   *string  `json:"invoice_date,omitempty"`
	DueDate       *string  `json:"due_date,omitempty"`
	Vendor        *string  `json:"vendor,omitempty"`
	PONumber      *string  `json:"po_number,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

// recognizeFile runs the configured OCR on one local file.
func recognizeFile(ctx context.Context, g *globals, path string, timeout time.Duration) (ocr.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ocr.Result{}, err
	}
	ct, ok := constants.AllowedExtensions[constants.NormalizeExt(filepath.Ext(path))]
	if !ok {
		return ocr.Result{}, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	rec, closeOCR, err := newRecognizer(ctx, g.cfg.OCR, g.logger)
	if err != nil {
		return ocr.Result{}, err
	}
	defer closeOCR()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rec.PerformOCR(ctx, data, ct)
}

func newOCRCmd(g *globals) *cobra.Command {
	var (
		asJSON  bool
		out     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ocr <file>",
		Short: "Recognize the text of one document",
		Example: `  invoice-pipeline ocr invoice.pdf
  invoice-pipeline ocr scan.png --json -o scan.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := recognizeFile(cmd.Context(), g, args[0], timeout)
			if err != nil {
				return err
			}
			g.logger.Info("ocr.ok",
				"file", args[0],
				"method", res.Method,
				"pages", res.Pages,
				"confidence", res.Confidence,
				"duration_ms", res.Duration.Milliseconds(),
			)
			if !asJSON {
				return writeOutput(cmd, out, []byte(res.Text))
			}
			raw, err := json.MarshalIndent(ocrOutput{
				File:       filepath.Base(args[0]),
				Method:     res.Method,
				Pages:      res.Pages,
				Confidence: res.Confidence,
				DurationMS: res.Duration.Milliseconds(),
				Warnings:   res.Warnings,
				Text:       res.Text,
			}, "", "  ")
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, raw)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result with its metadata as JSON")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "recognition timeout")
	return cmd
}

func newExtractCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Recognize one document and print the invoice fields found in it",
		Long: `extract runs OCR on a document (or reads plain text from a .txt file) and
applies the invoice field rules. Nothing is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if filepath.Ext(args[0]) == ".txt" {
				raw, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				text = string(raw)
			} else {
				res, err := recognizeFile(cmd.Context(), g, args[0], timeout)
				if err != nil {
					return err
				}
				text = res.Text
			}

			f := extract.ParseFields(text)
			o := extractOutput{
				File:          filepath.Base(args[0]),
				Complete:      f.Complete(),
				Missing:       f.Missing(),
				InvoiceNumber: f.InvoiceNumber,
				Vendor:        f.VendorName,
				PONumber:      f.PONumber,
				Notes:         f.Notes,
			}
			if f.Amount != nil {
				s := f.Amount.StringFixed(2)
				o.Amount = &s
			}
			if f.InvoiceDate != nil {
				s := f.InvoiceDate.Format(time.DateOnly)
				o.InvoiceDate = &s
			}
			if f.DueDate != nil {
				s := f.DueDate.Format(time.DateOnly)
				o.DueDate = &s
			}
			raw, err := json.MarshalIndent(o, "", "  ")
			if err != nil {
				return err
			}
			return writeOutput(cmd, "", raw)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "recognition timeout")
	return cmd
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
