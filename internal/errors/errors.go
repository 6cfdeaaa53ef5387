// Package errors provides the structured error taxonomy for memvault.
//
// Every error that crosses a package boundary is a *VaultError carrying a
// Kind. The dispatcher keys its fallback and retry decisions off the kind:
// Transient is retried once, Unsupported triggers the next strategy in a
// fallback chain, everything else propagates. "Not found" is never an
// error; those paths return nil values.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling decisions.
type Kind string

const (
	// KindConfig is a configuration error. Fatal at startup, unrecoverable.
	KindConfig Kind = "CONFIG"

	// KindValidation is caller-supplied bad input (malformed duration,
	// dimension mismatch, unknown relation). Surfaced unchanged.
	KindValidation Kind = "VALIDATION"

	// KindConflict is a unique-constraint violation (duplicate link,
	// duplicate file_path+chunk_index).
	KindConflict Kind = "CONFLICT"

	// KindTransient is a network blip or lock timeout. Retried once with a
	// one second pause inside the same call, then surfaced.
	KindTransient Kind = "TRANSIENT"

	// KindUnsupported means the feature is unavailable on the current
	// backend (e.g. hybrid lexical search on an old vector schema).
	KindUnsupported Kind = "UNSUPPORTED"

	// KindDrift is a cross-store inconsistency after a successful
	// relational write. Logged, the write still reports success.
	KindDrift Kind = "DRIFT"

	// KindInternal is an unexpected internal failure.
	KindInternal Kind = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates an unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the process continues.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// VaultError is the structured error type for memvault.
type VaultError struct {
	// Kind is the taxonomy bucket used for handling decisions.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *VaultError) Unwrap() error {
	return e.Cause
}

// Is matches by kind so errors.Is works across wrapped chains.
func (e *VaultError) Is(target error) bool {
	if t, ok := target.(*VaultError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Severity derives the severity level from the kind.
func (e *VaultError) Severity() Severity {
	switch e.Kind {
	case KindConfig:
		return SeverityFatal
	case KindDrift, KindUnsupported, KindTransient:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Retryable reports whether the operation may be retried as-is.
func (e *VaultError) Retryable() bool {
	return e.Kind == KindTransient
}

// WithDetail adds a key-value detail, returning the error for chaining.
func (e *VaultError) WithDetail(key, value string) *VaultError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a VaultError of the given kind.
func New(kind Kind, message string) *VaultError {
	return &VaultError{Kind: kind, Message: message}
}

// Newf creates a VaultError with a formatted message.
func Newf(kind Kind, format string, args ...any) *VaultError {
	return &VaultError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a VaultError of the given kind around an existing error.
// Returns nil when err is nil.
func Wrap(kind Kind, message string, err error) *VaultError {
	if err == nil {
		return nil
	}
	return &VaultError{Kind: kind, Message: message, Cause: err}
}

// Config creates a fatal configuration error.
func Config(message string, cause error) *VaultError {
	return &VaultError{Kind: KindConfig, Message: message, Cause: cause}
}

// Validation creates a validation error.
func Validation(message string) *VaultError {
	return &VaultError{Kind: KindValidation, Message: message}
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...any) *VaultError {
	return Newf(KindValidation, format, args...)
}

// Conflict creates a unique-violation error.
func Conflict(message string, cause error) *VaultError {
	return &VaultError{Kind: KindConflict, Message: message, Cause: cause}
}

// Transient creates a retryable backend error.
func Transient(message string, cause error) *VaultError {
	return &VaultError{Kind: KindTransient, Message: message, Cause: cause}
}

// Unsupported creates a feature-unavailable error.
func Unsupported(message string) *VaultError {
	return &VaultError{Kind: KindUnsupported, Message: message}
}

// Drift creates a cross-store inconsistency warning.
func Drift(message string, cause error) *VaultError {
	return &VaultError{Kind: KindDrift, Message: message, Cause: cause}
}

// Internal creates an internal error.
func Internal(message string, cause error) *VaultError {
	return &VaultError{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for non-VaultError values, empty for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error chain contains a transient error.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsUnsupported reports whether the error chain contains an unsupported error.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}

// IsConflict reports whether the error chain contains a conflict error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsValidation reports whether the error chain contains a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}
