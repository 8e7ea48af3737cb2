// Package errors provides error code definitions shared across the core.
package errors

import "fmt"

// ErrorCode is a stable machine-readable error identifier. The extension
// surfaces map codes to UI states; the message text is for developer
// consoles only.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrRateLimit  ErrorCode = "RATE_LIMITED"

	// Configuration errors — fatal to any sync attempt, surfaced once.
	ErrConfig ErrorCode = "CONFIG_ERROR"

	// Storage errors
	ErrStorage ErrorCode = "STORAGE_ERROR"

	// Auth errors — AUTH_NOT_READY is expected and transient, handled by
	// bounded polling and local-only fallback, never shown to the user.
	ErrAuthNotReady ErrorCode = "AUTH_NOT_READY"

	// Sync errors
	ErrSyncNotReady   ErrorCode = "SYNC_NOT_READY"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrRemote         ErrorCode = "REMOTE_ERROR"

	// Ledger errors — insufficient balance is a business-rule rejection,
	// not an exceptional condition.
	ErrInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
)

// AppError represents an application error with a code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of an error, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
