// Package apperr holds the error kinds the HTTP layer knows about, and the
// single place where a kind is turned into a status code and a public message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not-found"
	case KindRateLimited:
		return "rate-limited"
	default:
		return "internal"
	}
}

// StatusCode maps the kind onto its HTTP status.
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is what handlers and guards return to the boundary. Message is shown
// to the client; Err is the internal cause and only ever reaches the logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     cause,
	}
}

func Validation(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

func Authentication(message string, cause error) *Error {
	return New(KindAuthentication, message, cause)
}

func Authorization(message string) *Error {
	return New(KindAuthorization, message, nil)
}

func NotFound(message string, cause error) *Error {
	return New(KindNotFound, message, cause)
}

func RateLimited(message string) *Error {
	return New(KindRateLimited, message, nil)
}

func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf reports the kind of err; anything that is not an *Error is internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
