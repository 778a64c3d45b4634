// Package apperror defines the error taxonomy shared by every layer of snippetbox.
//
// Each failure class has a sentinel (ErrXxx) and a constructor that wraps it in an
// *AppError carrying a human-readable message. Callers classify with errors.Is and
// read the message with errors.As:
//
//	var appErr *apperror.AppError
//	if errors.As(err, &appErr) && errors.Is(err, apperror.ErrProvision) {
//	    // environment could not be prepared, appErr.Message explains why
//	}
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrProvision           = errors.New("provision error")
	ErrLimiter             = errors.New("limiter error")
)

type AppError struct {
	Err     error  // sentinel classifying the failure
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	cause   error  // underlying error, if any
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Err, e.cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// UnsupportedLanguage is returned by the language registry for unknown tags.
func UnsupportedLanguage(lang string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Message: fmt.Sprintf("language %q is not supported", lang),
		Field:   "language",
	}
}

// Provision reports that an execution environment could not be created or
// that a package install failed. It is retryable by the caller.
func Provision(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrProvision,
		Message: message,
		cause:   cause,
	}
}

// Limiter reports that the host refused to enforce a resource limit.
// The request must not run unconstrained.
func Limiter(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrLimiter,
		Message: message,
		cause:   cause,
	}
}
