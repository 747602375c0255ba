// Package apperror provides structured error handling for the stock core.
// All business errors must use AppError so that callers can branch on Code.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes. Every domain failure maps onto exactly one of these.
const (
	// Infrastructure errors
	CodeInternal          = "INTERNAL_ERROR"
	CodeDatabase          = "DATABASE_ERROR"
	CodeOutboxWriteFailed = "OUTBOX_WRITE_FAILED"

	// Validation errors
	CodeValidation      = "VALIDATION_ERROR"
	CodeInvalidQuantity = "INVALID_QUANTITY"

	// Business rule violations
	CodeInsufficientAvailability = "INSUFFICIENT_AVAILABILITY"
	CodeInvariantViolation       = "INVARIANT_VIOLATION"
	CodeValuationNotInitialized  = "VALUATION_NOT_INITIALIZED"
	CodeUnresolvedTimestamp      = "UNRESOLVED_TIMESTAMP"

	// Optimistic locking
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"

	// Not found
	CodeNotFound = "NOT_FOUND"
)

// AppError is the standard error type for the platform.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (quantities, ids, etc.)
	Details map[string]any `json:"details,omitempty"`

	// Transient marks failures that are safe to retry in full.
	Transient bool `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error.
func NewValidation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

// NewNotFound creates a not found error.
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewInvalidQuantity is returned for a zero/negative quantity where a positive
// one is required, or when a result would go negative.
func NewInvalidQuantity(message string, qty int64) *AppError {
	return &AppError{
		Code:    CodeInvalidQuantity,
		Message: message,
		Details: map[string]any{"quantity": qty},
	}
}

// NewInsufficientAvailability creates a shortage error.
func NewInsufficientAvailability(sku string, requested, available int64) *AppError {
	return &AppError{
		Code:    CodeInsufficientAvailability,
		Message: "Insufficient availability",
		Details: map[string]any{
			"sku":       sku,
			"requested": requested,
			"available": available,
		},
	}
}

// NewInvariantViolation creates an invariant violation error.
func NewInvariantViolation(message string) *AppError {
	return &AppError{Code: CodeInvariantViolation, Message: message}
}

// NewValuationNotInitialized is returned when a valuation operation runs on a
// SKU whose valuation was never initialized.
func NewValuationNotInitialized(sku string) *AppError {
	return &AppError{
		Code:    CodeValuationNotInitialized,
		Message: "Valuation is not initialized",
		Details: map[string]any{"sku": sku},
	}
}

// NewUnresolvedTimestamp is returned when no baseline exists for a
// point-in-time query.
func NewUnresolvedTimestamp(sku string, at any) *AppError {
	return &AppError{
		Code:    CodeUnresolvedTimestamp,
		Message: "No baseline snapshot at or before the requested time",
		Details: map[string]any{"sku": sku, "at": at},
	}
}

// NewConcurrencyConflict creates an optimistic locking error.
func NewConcurrencyConflict(entity string, id any, expectedVersion int64) *AppError {
	return &AppError{
		Code:    CodeConcurrencyConflict,
		Message: "Record was modified concurrently. Reload and retry.",
		Details: map[string]any{"entity": entity, "id": id, "expected_version": expectedVersion},
	}
}

// NewOutboxWriteFailed wraps a failed atomic commit. The whole unit of work
// was rolled back and may be retried in full.
func NewOutboxWriteFailed(err error) *AppError {
	return &AppError{
		Code:      CodeOutboxWriteFailed,
		Message:   "Failed to commit change records",
		Transient: true,
		Err:       err,
	}
}

// NewInternal creates an internal error.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConcurrencyConflict checks if error is CodeConcurrencyConflict
func IsConcurrencyConflict(err error) bool {
	return IsCode(err, CodeConcurrencyConflict)
}

// IsTransient reports whether the whole operation may be retried as-is.
func IsTransient(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Transient || appErr.Code == CodeConcurrencyConflict
	}
	return false
}
