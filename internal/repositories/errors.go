package repositories

import "fmt"

// StoreErrorCode classifies failures raised by non-Firestore repositories.
type StoreErrorCode string

const (
	// StoreErrorNotFound indicates the record does not exist.
	StoreErrorNotFound StoreErrorCode = "not_found"
	// StoreErrorConflict indicates a uniqueness or concurrency violation.
	StoreErrorConflict StoreErrorCode = "conflict"
	// StoreErrorUnavailable indicates the backend could not be reached.
	StoreErrorUnavailable StoreErrorCode = "unavailable"
)

// StoreError implements RepositoryError for in-process repositories.
type StoreError struct {
	Op      string
	Code    StoreErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*StoreError)(nil)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *StoreError) IsNotFound() bool { return e != nil && e.Code == StoreErrorNotFound }

// IsConflict implements RepositoryError.
func (e *StoreError) IsConflict() bool { return e != nil && e.Code == StoreErrorConflict }

// IsUnavailable implements RepositoryError.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Code == StoreErrorUnavailable }

// NewStoreError constructs a typed store error.
func NewStoreError(op string, code StoreErrorCode, message string) *StoreError {
	if message == "" {
		message = string(code)
	}
	return &StoreError{Op: op, Code: code, Message: message}
}
