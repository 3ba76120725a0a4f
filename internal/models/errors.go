package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure so the HTTP layer can pick a status code
// without inspecting error strings.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindForbidden      ErrorKind = "forbidden"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindDispatch       ErrorKind = "dispatch"
	KindWebhookPayload ErrorKind = "webhook_payload"
)

// DomainError is the error returned by every FollowUp component.
type DomainError struct {
	Kind    ErrorKind
	Message string
	// Fields carries field-level detail for validation failures.
	Fields map[string]string
	// Permanent marks a dispatch failure that retrying cannot fix.
	Permanent bool
	Err       error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewValidationError reports malformed or missing input.
func NewValidationError(message string, fields map[string]string) *DomainError {
	return &DomainError{Kind: KindValidation, Message: message, Fields: fields}
}

// NewNotFoundError reports an unknown sequence, template, enrollment or message.
func NewNotFoundError(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError reports a duplicate or a reference that blocks the operation.
func NewConflictError(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewForbiddenError reports an unsubscribed address or an insufficient role.
func NewForbiddenError(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewUnauthorizedError reports a request that failed authentication.
func NewUnauthorizedError(message string) *DomainError {
	return &DomainError{Kind: KindUnauthorized, Message: message}
}

// NewDispatchError wraps a channel sender failure.
func NewDispatchError(message string, permanent bool, err error) *DomainError {
	return &DomainError{Kind: KindDispatch, Message: message, Permanent: permanent, Err: err}
}

// NewWebhookPayloadError reports a provider payload that could not be understood.
func NewWebhookPayloadError(message string, err error) *DomainError {
	return &DomainError{Kind: KindWebhookPayload, Message: message, Err: err}
}

// KindOf returns the kind of the first *DomainError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *DomainError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent reports whether err is a dispatch failure that must not be retried.
func IsPermanent(err error) bool {
	var e *DomainError
	return errors.As(err, &e) && e.Kind == KindDispatch && e.Permanent
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindWebhookPayload:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
