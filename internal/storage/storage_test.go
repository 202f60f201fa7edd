package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	key := DocumentKey(uuid.New(), uuid.New(), "Scan.PDF")
	p, err := l.Store(ctx, key, []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := l.Retrieve(ctx, p)
	if err != nil || !bytes.Equal(got, []byte("%PDF-1.4")) {
		t.Fatalf("Retrieve = %q, %v", got, err)
	}

	if _, err := l.Store(ctx, key, []byte("%PDF-1.5")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := l.Delete(ctx, p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := l.Delete(ctx, p); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	_, err = l.Retrieve(ctx, p)
	if !errors.Is(err, common.ErrStorage) {
		t.Fatalf("Retrieve after delete = %v", err)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	l, err := NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../outside", "a/../../b", ""} {
		if _, err := l.Store(context.Background(), key, []byte("x")); !errors.Is(err, common.ErrStorage) {
			t.Errorf("Store(%q) = %v", key, err)
		}
	}
}

func TestDocumentKey(t *testing.T) {
	b := uuid.MustParse("0190a5b4-0000-7000-8000-000000000001")
	d := uuid.MustParse("0190a5b4-0000-7000-8000-000000000002")
	if got := DocumentKey(b, d, "march.JPEG"); got != "batches/"+b.String()+"/"+d.String()+".jpeg" {
		t.Fatalf("DocumentKey = %s", got)
	}
	if got := DocumentKey(b, d, "noext"); got != "batches/"+b.String()+"/"+d.String() {
		t.Fatalf("DocumentKey = %s", got)
	}
}
