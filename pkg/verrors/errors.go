// Package verrors implements the wire-level error taxonomy from SPEC_FULL
// §6–§7, grounded on the teacher's root errors.go (StoreError/wrapError).
package verrors

import (
	"errors"
	"fmt"
)

// Code is one of the §6 wire-level error codes.
type Code string

const (
	CodeDimensionMismatch    Code = "DIMENSION_MISMATCH"
	CodeVectorNotFound       Code = "VECTOR_NOT_FOUND"
	CodeInvalidFormat        Code = "INVALID_FORMAT"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeNamespaceExists      Code = "NAMESPACE_EXISTS"
	CodeNamespaceNotFound    Code = "NAMESPACE_NOT_FOUND"
	CodeNamespaceInvalidName Code = "NAMESPACE_INVALID_NAME"
	CodeBatchPartialFailure  Code = "BATCH_PARTIAL_FAILURE"
	CodeCodebookUntrained    Code = "CODEBOOK_UNTRAINED"
	CodeQualityBelowThresh   Code = "QUALITY_BELOW_THRESHOLD"
	CodeTransactionFailed    Code = "TRANSACTION_FAILED"
	CodeTimeout              Code = "TIMEOUT"
	CodeAborted              Code = "ABORTED"
	CodeInternal             Code = "INTERNAL"
)

// Error is the shape every vectrix public call returns on failure: a code,
// a human message, an originating operation, and optional per-field detail.
type Error struct {
	Code    Code
	Op      string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("vectrix: [%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("vectrix: %s: [%s] %s", e.Op, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a sentinel created by New with the same Code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return errors.Is(e.Err, target)
}

// New constructs an *Error for the given op/code/message.
func New(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an op and code to an underlying error, matching the
// teacher's wrapError(op, err) but carrying a machine-readable Code too.
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Op: op, Code: code, Message: err.Error(), Err: err}
}

// WithField attaches a per-field validation detail and returns the receiver,
// matching §7's "map of field → error strings" contract.
func (e *Error) WithField(field, msg string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
	return e
}

// Sentinel errors for errors.Is comparisons that don't need op/message context.
var (
	ErrVectorNotFound    = &Error{Code: CodeVectorNotFound, Message: "vector not found"}
	ErrNamespaceNotFound = &Error{Code: CodeNamespaceNotFound, Message: "namespace not found"}
	ErrNamespaceExists   = &Error{Code: CodeNamespaceExists, Message: "namespace already exists"}
	ErrCodebookUntrained = &Error{Code: CodeCodebookUntrained, Message: "codebook not trained"}
	ErrIndexEmpty        = &Error{Code: CodeInvalidFormat, Message: "index is empty"}
	ErrNodeNotFound      = &Error{Code: CodeVectorNotFound, Message: "node not found in index"}
	ErrAborted           = &Error{Code: CodeAborted, Message: "operation aborted"}
	ErrTimeout           = &Error{Code: CodeTimeout, Message: "operation timed out"}
)

// DimensionMismatch builds the standard dimension-mismatch error.
func DimensionMismatch(op string, expected, got int) *Error {
	return New(op, CodeDimensionMismatch, "dimension mismatch: expected %d, got %d", expected, got)
}

// BatchPartialFailure describes a batch operation that partially succeeded.
type BatchPartialFailure struct {
	Succeeded []string
	Failed    []string
	Errors    map[string]error
}

func (b *BatchPartialFailure) Error() string {
	return fmt.Sprintf("batch partial failure: %d succeeded, %d failed", len(b.Succeeded), len(b.Failed))
}
