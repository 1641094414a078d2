// Package errors provides structured error types for merkledb.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by how callers are expected to react.
type ErrorCategory string

const (
	ErrCategoryConstraint ErrorCategory = "CONSTRAINT"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Constraint codes
	CodeUniqueViolation = "UNIQUE_VIOLATION"

	// Validation codes
	CodeInvalidRow        = "INVALID_ROW"
	CodeInvalidDefinition = "INVALID_DEFINITION"
	CodeSchemaMismatch    = "SCHEMA_MISMATCH"
	CodeDuplicateUID      = "DUPLICATE_UID"

	// Storage codes
	CodeStoreFailed   = "STORE_FAILED"
	CodeLoadFailed    = "LOAD_FAILED"
	CodeCorruptBlock  = "CORRUPT_BLOCK"
	CodeObjectMissing = "OBJECT_MISSING"

	// Not found codes
	CodeTableNotFound  = "TABLE_NOT_FOUND"
	CodeSchemaNotFound = "SCHEMA_NOT_FOUND"
	CodeIndexNotFound  = "INDEX_NOT_FOUND"
	CodeRowNotFound    = "ROW_NOT_FOUND"

	// Query codes
	CodeUnsupportedOperator = "UNSUPPORTED_OPERATOR"
	CodeInvalidQuery        = "INVALID_QUERY"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// The engine itself never retries; the flag is a hint for callers.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetDetail returns one detail value from the first *Error in the chain.
func GetDetail(err error, key string) (interface{}, bool) {
	var e *Error
	if errors.As(err, &e) && e.Details != nil {
		v, ok := e.Details[key]
		return v, ok
	}
	return nil, false
}

// IsConstraint reports whether err is a unique index violation.
func IsConstraint(err error) bool { return GetCategory(err) == ErrCategoryConstraint }

// IsValidation reports whether err is a row or definition validation failure.
func IsValidation(err error) bool { return GetCategory(err) == ErrCategoryValidation }

// IsStorage reports whether err is a DAG store or load fault.
func IsStorage(err error) bool { return GetCategory(err) == ErrCategoryStorage }

// IsNotFound reports whether err names a missing table, schema, index or row.
func IsNotFound(err error) bool { return GetCategory(err) == ErrCategoryNotFound }

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStoreFailed:
		return true
	case category == ErrCategoryStorage && code == CodeLoadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// NewConstraintViolation reports a unique index collision.
func NewConstraintViolation(index, key, conflictingUID string) *Error {
	return New(ErrCategoryConstraint, CodeUniqueViolation,
		fmt.Sprintf("unique index %q already holds key %q (row %s)", index, key, conflictingUID)).
		WithDetails(map[string]interface{}{
			"index": index,
			"key":   key,
			"uid":   conflictingUID,
		})
}

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewNotFoundError(code, message string) *Error {
	return New(ErrCategoryNotFound, code, message)
}

func NewQueryError(code, message string) *Error {
	return New(ErrCategoryQuery, code, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
