package errors

import (
	"errors"
	"fmt"
)

// DaemonError is the structured error type for folderd.
// It provides rich context for error handling, logging, and client presentation.
type DaemonError struct {
	// Code is the unique error code (e.g., "ERR_301_STORE_OPEN").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Model, Store, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *DaemonError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DaemonError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with DaemonError.
func (e *DaemonError) Is(target error) bool {
	if t, ok := target.(*DaemonError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *DaemonError) WithDetail(key, value string) *DaemonError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *DaemonError) WithSuggestion(suggestion string) *DaemonError {
	e.Suggestion = suggestion
	return e
}

// New creates a new DaemonError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *DaemonError {
	return &DaemonError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a DaemonError from an existing error.
// The error's message becomes the DaemonError message.
func Wrap(code string, err error) *DaemonError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *DaemonError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ModelError creates an embedding-model-related error.
func ModelError(message string, cause error) *DaemonError {
	return New(ErrCodeModelUnavailable, message, cause)
}

// StoreError creates a document-store-related error.
func StoreError(message string, cause error) *DaemonError {
	return New(ErrCodeStoreIO, message, cause)
}

// ExtractError creates a per-document extraction error.
// Extraction errors never fail the owning folder.
func ExtractError(message string, cause error) *DaemonError {
	return New(ErrCodeExtractFailed, message, cause)
}

// SchedulerError creates a scheduler-related error.
// Scheduler errors are typically retryable.
func SchedulerError(message string, cause error) *DaemonError {
	return New(ErrCodeEmbedFailed, message, cause)
}

// ValidationError creates a client-input validation error.
func ValidationError(message string, cause error) *DaemonError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *DaemonError {
	return New(ErrCodeInternal, message, cause)
}

// Is reports whether any error in err's chain matches target.
// Passthrough to the standard library so callers that mix DaemonError
// handling with sentinel checks need only one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target's type.
// Passthrough to the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a DaemonError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DaemonError); ok {
		return de.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors abort the owning folder's lifecycle.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DaemonError); ok {
		return de.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a DaemonError.
// Returns empty string if not a DaemonError.
func GetCode(err error) string {
	if de, ok := err.(*DaemonError); ok {
		return de.Code
	}
	return ""
}

// GetCategory extracts the category from a DaemonError.
// Returns empty string if not a DaemonError.
func GetCategory(err error) Category {
	if de, ok := err.(*DaemonError); ok {
		return de.Category
	}
	return ""
}
