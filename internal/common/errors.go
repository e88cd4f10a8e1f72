package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy. Classify with errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("state conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternal           = errors.New("internal error")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrTransientInference = errors.New("transient inference error")
	ErrPermanentInference = errors.New("permanent inference error")
	ErrStartupFatal       = errors.New("startup fatal")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// InvalidInput builds a caller-facing validation error.
func InvalidInput(code, format string, args ...any) *AppError {
	return NewAppError(code, fmt.Sprintf(format, args...), ErrInvalidInput)
}

// Classified tags err with a taxonomy sentinel while keeping it reachable for errors.Is/As.
func Classified(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return errors.Join(kind, err)
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsTransient reports whether an inference failure may succeed on retry.
// Unclassified errors are treated as transient; the attempt bound still applies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentInference) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return true
}

// ErrorCode returns the AppError code found in err's chain, or "".
func ErrorCode(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
