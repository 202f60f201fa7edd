package common

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{ValidationErrors{{Field: "name", Message: "is required"}}, codes.InvalidArgument},
		{fmt.Errorf("get batch: %w", ErrNotFound), codes.NotFound},
		{&InvalidTransitionError{Entity: "batch", From: "CREATED", To: "OCR_COMPLETED"}, codes.FailedPrecondition},
		{fmt.Errorf("reprocess: %w", ErrRetryExhausted), codes.FailedPrecondition},
		{&StorageError{Op: "retrieve", Path: "a/b", Err: errors.New("gone")}, codes.Unavailable},
		{&AIServiceError{Provider: "openai", Op: "analyze", Err: errors.New("429")}, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		got := status.Code(ToStatus(tc.err))
		if got != tc.want {
			t.Errorf("ToStatus(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if ToStatus(nil) != nil {
		t.Fatal("ToStatus(nil) should be nil")
	}
}

func TestValidatorCollects(t *testing.T) {
	v := NewValidator().
		Field("name", "  ", Required).
		Field("description", "abcdef", MaxLength(3)).
		Check(false, "files", 0, "at least one file is required")
	err := v.Error()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(v.Errors()) != 3 {
		t.Fatalf("got %d errors, want 3", len(v.Errors()))
	}
}
