package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(nil, CategoryInvalidInput, "code", "hint"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapPreservesCauseAndMetadata(t *testing.T) {
	cause := fmt.Errorf("category out of range")
	err := Wrap(cause, CategoryInvalidInput, "birads_range", "category must be between 0 and 6")
	if err.Error() != "category out of range" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to survive errors.Is")
	}
	if CategoryOf(err) != CategoryInvalidInput {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "birads_range" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "category must be between 0 and 6" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
}

func TestAccessorsOnPlainError(t *testing.T) {
	err := fmt.Errorf("plain")
	if CategoryOf(err) != "" || CodeOf(err) != "" || HintOf(err) != "" {
		t.Fatalf("expected empty metadata for unclassified error")
	}
}
