package ocr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

const invoiceText = `Invoice Number: INV-1001
Invoice Date: 01/15/2024
Vendor: Acme Supplies
Total Amount: $1,234.56`

type stubBackend struct {
	calls int
	res   Result
	err   error
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Recognize(context.Context, []byte, string) (Result, error) {
	s.calls++
	return s.res, s.err
}

func TestPerformOCRRejectsUnreadableInput(t *testing.T) {
	backend := &stubBackend{res: Result{Text: invoiceText}}
	a := NewAdapter(backend, nil)

	tests := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{"empty", nil, constants.ContentTypePDF},
		{"unsupported", []byte("hello"), "text/plain"},
		{"bad pdf header", []byte("not a pdf"), constants.ContentTypePDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.PerformOCR(context.Background(), tt.data, tt.contentType)
			if !errors.Is(err, ErrUnreadableInput) {
				t.Fatalf("expected ErrUnreadableInput, got %v", err)
			}
			if !errors.Is(err, common.ErrOCR) {
				t.Fatalf("expected common.ErrOCR match, got %v", err)
			}
			var ocrErr *OCRError
			if !errors.As(err, &ocrErr) || ocrErr.Retryable() {
				t.Fatalf("unreadable input must not be retryable: %v", err)
			}
		})
	}
	if backend.calls != 0 {
		t.Fatalf("backend called %d times", backend.calls)
	}
}

func TestPerformOCRAcceptsConfidentLocalText(t *testing.T) {
	backend := &stubBackend{}
	a := NewAdapter(backend, nil)
	a.localPDF = func([]byte, int) (string, int, error) { return invoiceText, 1, nil }

	res, err := a.PerformOCR(context.Background(), []byte("%PDF-1.7\n..."), constants.ContentTypePDF)
	if err != nil {
		t.Fatalf("PerformOCR: %v", err)
	}
	if res.Method != "pdf-text" || backend.calls != 0 {
		t.Fatalf("expected local text, got method=%s calls=%d", res.Method, backend.calls)
	}
	if res.Confidence < DefaultLocalThreshold {
		t.Fatalf("confidence = %v", res.Confidence)
	}
}

func TestPerformOCRFallsBackOnLowConfidence(t *testing.T) {
	backend := &stubBackend{res: Result{Text: invoiceText, Confidence: 0.9, Pages: 1, Method: "stub"}}
	a := NewAdapter(backend, nil)
	a.localPDF = func([]byte, int) (string, int, error) { return "@@ ## !!", 1, nil }

	res, err := a.PerformOCR(context.Background(), []byte("%PDF-1.4"), constants.ContentTypePDF)
	if err != nil {
		t.Fatalf("PerformOCR: %v", err)
	}
	if backend.calls != 1 || res.Method != "stub" {
		t.Fatalf("expected backend result, calls=%d method=%s", backend.calls, res.Method)
	}
	if !strings.Contains(res.Text, "INV-1001") {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestPerformOCRImagesGoStraightToBackend(t *testing.T) {
	backend := &stubBackend{res: Result{Text: invoiceText}}
	a := NewAdapter(backend, nil)
	a.localPDF = func([]byte, int) (string, int, error) {
		t.Fatal("local extraction must not run for images")
		return "", 0, nil
	}
	if _, err := a.PerformOCR(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png"); err != nil {
		t.Fatalf("PerformOCR: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("calls = %d", backend.calls)
	}
}

func TestPerformOCRBackendFailure(t *testing.T) {
	boom := errors.New("boom")
	a := NewAdapter(&stubBackend{err: boom}, nil)
	_, err := a.PerformOCR(context.Background(), []byte("img"), "image/jpeg")
	if !errors.Is(err, common.ErrOCR) {
		t.Fatalf("expected OCR error, got %v", err)
	}
	var ocrErr *OCRError
	if !errors.As(err, &ocrErr) || !ocrErr.Retryable() {
		t.Fatalf("backend failures are retryable: %v", err)
	}

	a = NewAdapter(&stubBackend{res: Result{Text: "  \n "}}, nil)
	if _, err := a.PerformOCR(context.Background(), []byte("img"), "image/jpeg"); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}

	a = NewAdapter(nil, nil)
	if _, err := a.PerformOCR(context.Background(), []byte("img"), "image/jpeg"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestHeuristicConfidence(t *testing.T) {
	if got := HeuristicConfidence(""); got != 0 {
		t.Fatalf("empty = %v", got)
	}
	high := HeuristicConfidence(invoiceText)
	if high < 0.7 || high > 1 {
		t.Fatalf("invoice text = %v", high)
	}
	noise := HeuristicConfidence("@@ ## !! ~~")
	if noise >= 0.7 {
		t.Fatalf("noise = %v", noise)
	}
	all := HeuristicConfidence("invoice date amount total vendor")
	if all > 1 {
		t.Fatalf("score must be capped, got %v", all)
	}
}

func TestTextFromContentStream(t *testing.T) {
	stream := []byte("BT /F1 12 Tf 72 712 Td (Invoice Number: INV-7) Tj 0 -14 Td [(Tot) -20 (al: \\$5.00)] TJ ET\n" +
		"% comment (ignored) Tj\nBT 72 600 Td (Vendor: Acme \\(EU\\)) Tj ET")
	got := textFromContentStream(stream)
	want := "Invoice Number: INV-7\nTotal: $5.00\nVendor: Acme (EU)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalize(t *testing.T) {
	in := "Invoice\t\tNumber:  42  \r\n-----\r\n\n\n\nTotal: 5"
	want := "Invoice Number: 42\n\nTotal: 5"
	if got := Normalize(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
