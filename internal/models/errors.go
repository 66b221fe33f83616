package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeInvalidData = "INVALID_DATA"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeRetry       = "RETRY_EXHAUSTED"
	ErrCodeUnknownType = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeServerError = "SERVER_ERROR"
)

// Sentinel errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrStoreClosed   = errors.New("store is closed")
	ErrHubClosed     = errors.New("hub is closed")
	ErrNotConnected  = errors.New("not connected")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrBackupMissing = errors.New("no backup snapshot available")
	ErrBackupCorrupt = errors.New("backup snapshot is corrupt")
	ErrUnknownType   = errors.New("unknown message type")
)

// OpError represents a failed storage or transport operation. It is the
// retryable class in the taxonomy: I/O and serialization failures wrap
// into an OpError and are retried transparently by the retry executor.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// InvalidDataError reports input that failed validation. Not retryable.
type InvalidDataError struct {
	Field  string
	Reason string
}

func (e *InvalidDataError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid data: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid data: %s", e.Reason)
}

// IsRetryable reports whether an error is worth retrying. Absence of a
// record and validation failures are expected outcomes; retrying them
// cannot change the result.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreClosed) {
		return false
	}
	var invalid *InvalidDataError
	return !errors.As(err, &invalid)
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrUnknownType):
		return ErrCodeUnknownType
	}
	var invalid *InvalidDataError
	if errors.As(err, &invalid) {
		return ErrCodeInvalidData
	}
	var op *OpError
	if errors.As(err, &op) {
		return ErrCodeStorage
	}
	return ErrCodeServerError
}
