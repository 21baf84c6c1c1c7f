package schedule

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Store error codes. CodeNoRows is the "not found" class: most callers treat
// it as an empty result rather than a hard failure.
const (
	CodeNoRows      = "no_rows"
	CodeQueryFailed = "query_failed"
	CodeWriteFailed = "write_failed"
	CodeInvalid     = "invalid_input"
)

// StoreError is the structured error shape returned by the row store.
type StoreError struct {
	Code    string
	Message string
	err     error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
}

// Unwrap exposes the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.err
}

// Details returns the cause as display text.
func (e *StoreError) Details() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func newStoreError(code, message string, cause error) error {
	return &StoreError{Code: code, Message: message, err: cause}
}

func wrapQueryError(message string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newStoreError(CodeNoRows, message, err)
	}
	return newStoreError(CodeQueryFailed, message, err)
}

// IsNotFound reports whether the error belongs to the no-rows class.
func IsNotFound(err error) bool {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code == CodeNoRows
	}
	return errors.Is(err, gorm.ErrRecordNotFound)
}
