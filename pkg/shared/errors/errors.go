// Package errors provides a structured error type shared across the sync
// and EMR-verification components, so every failure carries a taxonomy kind,
// the component and operation that raised it, and an optional cause.
package errors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the component error tables.
// Callers switch on Kind, never on error string contents.
type Kind string

const (
	KindInvalidState      Kind = "invalid_state"
	KindMergeTimeout      Kind = "merge_timeout"
	KindVectorClockOverflow Kind = "vector_clock_overflow"
	KindStorageError      Kind = "storage_error"
	KindStorageLimit      Kind = "storage_limit"
	KindMigrationFailed   Kind = "migration_failed"
	KindDataCorruption    Kind = "data_corruption"
	KindSyncInProgress    Kind = "sync_in_progress"
	KindSyncTimeout       Kind = "sync_timeout"
	KindCircuitOpen       Kind = "circuit_open"
	KindTokenRequestFailed Kind = "token_request_failed"
	KindInvalidResponse   Kind = "invalid_response"
	KindRetriesExhausted  Kind = "retries_exhausted"
	KindEMRMismatch       Kind = "emr_mismatch"
	KindPatientIDMismatch Kind = "patient_id_mismatch"
	KindStatusMismatch    Kind = "status_mismatch"
	KindValidation        Kind = "validation"
	KindTimeout           Kind = "timeout"
	KindNetwork           Kind = "network"
)

// OperationError is the structured error carried by every component.
type OperationError struct {
	Kind      Kind
	Component string
	Operation string
	Resource  string
	Details   string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s: failed to %s", e.Component, e.Operation)
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Resource)
	}
	if e.Details != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against another *OperationError: two
// errors match when their Kind is the same.
func (e *OperationError) Is(target error) bool {
	var other *OperationError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an OperationError with no cause.
func New(kind Kind, component, operation string) *OperationError {
	return &OperationError{Kind: kind, Component: component, Operation: operation}
}

// Wrap attaches kind/component/operation context to an existing error.
func Wrap(cause error, kind Kind, component, operation string) *OperationError {
	if cause == nil {
		return nil
	}
	return &OperationError{Kind: kind, Component: component, Operation: operation, Cause: cause}
}

// WithResource sets the resource identifier and returns the receiver.
func (e *OperationError) WithResource(resource string) *OperationError {
	e.Resource = resource
	return e
}

// WithDetails sets free-form details and returns the receiver.
func (e *OperationError) WithDetails(details string) *OperationError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *OperationError) WithDetailsf(format string, args ...interface{}) *OperationError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// KindOf extracts the Kind from err, returning ok=false if err is not (or
// does not wrap) an *OperationError.
func KindOf(err error) (Kind, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind, true
	}
	return "", false
}

// HasKind reports whether err is (or wraps) an *OperationError of kind k.
func HasKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}
