package xform

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKind(t *testing.T) {
	base := newErr(KindDanglingReference, "unresolved reference %s", "Foo.Bar")
	wrapped := fmt.Errorf("cloning element 0x20: %w", base)
	doubleWrapped := fmt.Errorf("populating class: %w", wrapped)

	for _, err := range []error{base, wrapped, doubleWrapped} {
		if !IsKind(err, KindDanglingReference) {
			t.Errorf("IsKind(%v, KindDanglingReference) = false, want true", err)
		}
		if IsKind(err, KindSequenceOverflow) {
			t.Errorf("IsKind(%v, KindSequenceOverflow) = true, want false", err)
		}
	}

	if IsKind(errors.New("plain error"), KindDanglingReference) {
		t.Error("IsKind on a plain error should be false")
	}
	if IsKind(nil, KindDanglingReference) {
		t.Error("IsKind(nil, ...) should be false")
	}
}

func TestWrapErrUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := wrapErr(KindStatementFailure, cause, "inserting row")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find the wrapped cause")
	}
	if got := err.Error(); got == "" {
		t.Error("Error() should not be empty")
	}
}
