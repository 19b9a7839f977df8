// Package errors provides coded errors shared by the offline layer and the desktop gateway.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Cache store errors
	ErrCacheMiss          ErrorCode = "CACHE_MISS"
	ErrCacheWrite         ErrorCode = "CACHE_WRITE_FAILED"
	ErrCacheQuotaExceeded ErrorCode = "CACHE_QUOTA_EXCEEDED"
	ErrCacheCorrupted     ErrorCode = "CACHE_CORRUPTED"

	// Pending-operation queue errors
	ErrQueueWrite    ErrorCode = "QUEUE_WRITE_FAILED"
	ErrQueueRead     ErrorCode = "QUEUE_READ_FAILED"
	ErrQueueNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrQueueFull     ErrorCode = "QUEUE_FULL"

	// Network and sync errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrNetworkTimeout     ErrorCode = "NETWORK_TIMEOUT"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncRejected       ErrorCode = "SYNC_REJECTED"
	ErrSyncAuthFailed     ErrorCode = "SYNC_AUTH_FAILED"
	ErrCredentials        ErrorCode = "CREDENTIALS_FAILED"

	// Configuration and crypto errors
	ErrConfig       ErrorCode = "CONFIG_ERROR"
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
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

// Is reports whether target is an *AppError carrying the same code, so that
// package-level sentinels built with New match wrapped instances via errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
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

// Is checks if err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
