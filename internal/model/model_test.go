package model

import (
	"errors"
	"testing"
)

func TestSampleIsPlaceholder(t *testing.T) {
	if !(Sample{}).IsPlaceholder() {
		t.Fatal("empty unavailable sample should be a placeholder")
	}
	if (Sample{IsAvailable: true}).IsPlaceholder() {
		t.Fatal("available sample is not a placeholder")
	}
	if (Sample{Used: 3}).IsPlaceholder() {
		t.Fatal("sample with data is not a placeholder")
	}
}

func TestSampleUsedPercent(t *testing.T) {
	if got := (Sample{Used: 25, Available: 100}).UsedPercent(); got != 25 {
		t.Fatalf("expected 25, got %v", got)
	}
	if got := (Sample{Percentage: 42}).UsedPercent(); got != 42 {
		t.Fatalf("expected fallback to percentage, got %v", got)
	}
}

func TestHasInternalError(t *testing.T) {
	if !(Sample{StatusMessage: "[Internal Error] boom"}).HasInternalError() {
		t.Fatal("marker should be matched case-insensitively")
	}
	if (Sample{StatusMessage: "ok"}).HasInternalError() {
		t.Fatal("plain status is not an internal error")
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("disk full")
	err := StorageError(base)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, base) {
		t.Fatalf("storage error should match both kind and cause: %v", err)
	}
	if errors.Is(err, ErrTransientFetch) {
		t.Fatal("storage error must not classify as fetch error")
	}
	if StorageError(nil) != nil {
		t.Fatal("nil stays nil")
	}
	if !errors.Is(ValidationErrorf("bad %d", 1), ErrValidation) {
		t.Fatal("validation error should match ErrValidation")
	}
	if ParseSourceKind("PAYG") != KindUsageBased || ParseSourceKind("") != KindQuota {
		t.Fatal("unexpected kind parsing")
	}
}
