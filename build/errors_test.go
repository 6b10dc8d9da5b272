package build

import (
	"errors"
	"strings"
	"testing"
)

func TestComposeErrorsStripsNils(t *testing.T) {
	if err := ComposeErrors(nil, nil); err != nil {
		t.Fatalf("expected nil for all-nil input, got %v", err)
	}
	err := ComposeErrors(nil, errors.New("a"), errors.New("b"))
	if err == nil || !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Fatalf("expected composed message containing both errors, got %v", err)
	}
}

func TestExtendErrNilPassthrough(t *testing.T) {
	if err := ExtendErr("context", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	err := ExtendErr("while doing X", errors.New("boom"))
	if err == nil || !strings.HasPrefix(err.Error(), "while doing X: ") {
		t.Fatalf("expected prefixed message, got %v", err)
	}
}

func TestJoinErrorsEmptyIsNil(t *testing.T) {
	if err := JoinErrors(nil, ", "); err != nil {
		t.Fatalf("expected nil for empty input, got %v", err)
	}
	if err := JoinErrors([]error{nil, nil}, ", "); err != nil {
		t.Fatalf("expected nil when every element is nil, got %v", err)
	}
	err := JoinErrors([]error{errors.New("a"), nil, errors.New("b")}, ", ")
	if err == nil || err.Error() != "a, b" {
		t.Fatalf("expected %q, got %v", "a, b", err)
	}
}
