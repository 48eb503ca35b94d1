package services

import (
	"errors"
	"fmt"

	"github.com/lunchdesk/api/internal/repositories"
)

// Error kinds shared by every service. Callers match them with errors.Is; the wrapped message
// is what reaches the client.
var (
	// ErrValidation signals a selection rule violation or malformed input.
	ErrValidation = errors.New("validation error")
	// ErrWindowClosed signals the date is no longer open for the requested write.
	ErrWindowClosed = errors.New("order window closed")
	// ErrAuthorization signals impersonation or cross-department access was denied.
	ErrAuthorization = errors.New("not authorized")
	// ErrNotFound signals a user, order, department or menu item is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a store-level uniqueness collision.
	ErrConflict = errors.New("conflict")
	// ErrExternalService signals the holiday feed or notification dispatch failed.
	ErrExternalService = errors.New("external service failure")
	// ErrConfiguration signals a required setting is absent or unparseable.
	ErrConfiguration = errors.New("configuration error")
)

// KindError carries a user-facing message while matching one of the error kinds.
type KindError struct {
	Kind    error
	Message string
	Err     error
}

// Error implements error.
func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is matches the error kind.
func (e *KindError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap exposes the cause.
func (e *KindError) Unwrap() error {
	return e.Err
}

// PublicMessage returns the message safe to show to callers.
func PublicMessage(err error) string {
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Message
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrWindowClosed), errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err.Error()
	case errors.Is(err, ErrExternalService):
		return ErrExternalService.Error()
	default:
		return "internal error"
	}
}

func newKindError(kind error, message string) error {
	return &KindError{Kind: kind, Message: message}
}

func validationError(format string, args ...any) error {
	return newKindError(ErrValidation, fmt.Sprintf(format, args...))
}

func windowClosedError(format string, args ...any) error {
	return newKindError(ErrWindowClosed, fmt.Sprintf(format, args...))
}

func authorizationError(format string, args ...any) error {
	return newKindError(ErrAuthorization, fmt.Sprintf(format, args...))
}

func notFoundError(format string, args ...any) error {
	return newKindError(ErrNotFound, fmt.Sprintf(format, args...))
}

// mapRepositoryError translates repository failures into service error kinds.
func mapRepositoryError(subject string, err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return &KindError{Kind: ErrNotFound, Message: subject + " not found", Err: err}
		case repoErr.IsConflict():
			return &KindError{Kind: ErrConflict, Message: subject + " was modified concurrently, retry", Err: err}
		case repoErr.IsUnavailable():
			return fmt.Errorf("%s: repository unavailable: %w", subject, err)
		}
	}
	return err
}
