package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(KindValidation, "verify", "check field")
	if err.Kind != KindValidation {
		t.Errorf("Kind = %v, want %v", err.Kind, KindValidation)
	}
	if err.Error() != "verify: failed to check field" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, KindStorageError, "storage", "save batch")

	if err.Cause != cause {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}

	wantMsg := "storage: failed to save batch: connection refused"
	if err.Error() != wantMsg {
		t.Errorf("Error() = %q, want %q", err.Error(), wantMsg)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindStorageError, "storage", "save batch") != nil {
		t.Error("Wrap(nil, ...) should return nil")
	}
}

func TestWithResourceAndDetails(t *testing.T) {
	err := New(KindInvalidState, "replica", "apply transition").
		WithResource("T1").
		WithDetailsf("from %s to %s", "completed", "in_progress")

	want := "replica: failed to apply transition (T1): from completed to in_progress"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindOfAndHasKind(t *testing.T) {
	err := New(KindCircuitOpen, "breaker", "call")

	kind, ok := KindOf(err)
	if !ok || kind != KindCircuitOpen {
		t.Errorf("KindOf() = (%v, %v), want (%v, true)", kind, ok, KindCircuitOpen)
	}
	if !HasKind(err, KindCircuitOpen) {
		t.Error("HasKind() = false, want true")
	}
	if HasKind(err, KindStorageError) {
		t.Error("HasKind() = true for wrong kind, want false")
	}

	plain := fmt.Errorf("plain")
	if _, ok := KindOf(plain); ok {
		t.Error("KindOf(plain error) should return ok=false")
	}
}

func TestIsComparesKindOnly(t *testing.T) {
	a := New(KindMergeTimeout, "conflict", "merge chunk")
	b := New(KindMergeTimeout, "conflict", "merge other chunk")
	c := New(KindSyncTimeout, "sync", "start")

	if !errors.Is(a, b) {
		t.Error("errors with same Kind should compare equal via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors with different Kind should not compare equal")
	}
}
