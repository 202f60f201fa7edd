package ocr

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls []string
	pages int
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "pdftoppm":
		prefix := args[len(args)-1]
		for i := 1; i <= f.pages; i++ {
			if err := os.WriteFile(prefix+"-"+string(rune('0'+i))+".png", []byte("png"), 0o600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "tesseract":
		if args[len(args)-1] == "tsv" {
			tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
				"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tInvoice\n" +
				"5\t1\t1\t1\t1\t2\t0\t0\t10\t10\t70\t42\n" +
				"4\t1\t1\t1\t1\t0\t0\t0\t10\t10\t-1\t\n"
			return []byte(tsv), nil, nil
		}
		return []byte("Invoice 42\n"), nil, nil
	}
	return nil, []byte("unknown command"), errors.New("exit status 1")
}

func TestTesseractBackendPDF(t *testing.T) {
	r := &fakeRunner{pages: 2}
	b := NewTesseractBackend(TesseractConfig{}, r, nil)

	res, err := b.Recognize(context.Background(), []byte("%PDF-1.4"), "application/pdf")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Pages != 2 {
		t.Fatalf("pages = %d", res.Pages)
	}
	if strings.Count(res.Text, "Invoice 42") != 2 {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Confidence < 0.79 || res.Confidence > 0.81 {
		t.Fatalf("confidence = %v", res.Confidence)
	}
	if !strings.HasPrefix(r.calls[0], "pdftoppm -r 300 -png") {
		t.Fatalf("first call = %q", r.calls[0])
	}
}

func TestTesseractBackendMaxPages(t *testing.T) {
	r := &fakeRunner{pages: 3}
	b := NewTesseractBackend(TesseractConfig{MaxPages: 1}, r, nil)
	res, err := b.Recognize(context.Background(), []byte("%PDF-1.4"), "application/pdf")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Pages != 1 {
		t.Fatalf("pages = %d", res.Pages)
	}
}

func TestTesseractBackendNoPages(t *testing.T) {
	b := NewTesseractBackend(TesseractConfig{}, &fakeRunner{}, nil)
	_, err := b.Recognize(context.Background(), []byte("%PDF-1.4"), "application/pdf")
	if !errors.Is(err, ErrUnreadableInput) {
		t.Fatalf("expected ErrUnreadableInput, got %v", err)
	}
}

func TestTesseractBackendCommandFailure(t *testing.T) {
	b := NewTesseractBackend(TesseractConfig{Tesseract: "missing-binary"}, &fakeRunner{}, nil)
	_, err := b.Recognize(context.Background(), []byte("png"), "image/png")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
