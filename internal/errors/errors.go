// Package errors provides error code definitions shared across services.
package errors

import "fmt"

// ErrorCode represents a unique, user-presentable error category.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Ledger errors
	ErrInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"

	// Roll errors
	ErrRollFull       ErrorCode = "ROLL_FULL"
	ErrRollCompleted  ErrorCode = "ROLL_COMPLETED"
	ErrRollDeveloped  ErrorCode = "ROLL_DEVELOPED"
	ErrRollLocked     ErrorCode = "ROLL_LOCKED"
	ErrDuplicateTitle ErrorCode = "DUPLICATE_TITLE"
	ErrNoActiveRoll   ErrorCode = "NO_ACTIVE_ROLL"

	// Sync errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrRemoteValidation   ErrorCode = "REMOTE_VALIDATION"

	// Storage errors
	ErrDatabase          ErrorCode = "DATABASE_ERROR"
	ErrMigration         ErrorCode = "MIGRATION_FAILED"
	ErrStorageCorruption ErrorCode = "STORAGE_CORRUPTION"
)

// AppError represents an application error with code and message.
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
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost error code, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether an error category is worth retrying: only
// connectivity failures are. Insufficient credits and remote validation
// rejections are terminal no matter how many times they are replayed.
func Retryable(err error) bool {
	return Is(err, ErrNetworkUnavailable)
}
