// Package apperr defines the error kinds surfaced by the gateway and their HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable machine-readable failure category
type Kind string

const (
	KindInvalidKey         Kind = "invalid_key"
	KindRateLimited        Kind = "rate_limited"
	KindDuplicateIdentity  Kind = "duplicate_identity"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindModelError         Kind = "model_error"
	KindTimeout            Kind = "timeout"
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindStorage            Kind = "storage_error"
	KindInternal           Kind = "internal"
)

// Error is a typed failure with a human-readable detail
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the kind to an HTTP status code
func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

// StatusFor maps a kind to an HTTP status code
func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidKey, KindInvalidCredentials:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDuplicateIdentity:
		return http.StatusConflict
	case KindModelError:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap creates an error of the given kind carrying a cause
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// InvalidKey is the single uniform access-denied error for API keys
func InvalidKey() *Error {
	return New(KindInvalidKey, "Invalid API Key")
}

// InvalidCredentials is the uniform error for username/password failures
func InvalidCredentials() *Error {
	return New(KindInvalidCredentials, "Invalid username or password")
}

// RateLimited carries a retry-after hint
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Detail: "rate limit exceeded", RetryAfter: retryAfter}
}

// Validation reports a malformed request
func Validation(detail string) *Error {
	return New(KindValidation, detail)
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts an *Error, wrapping untyped errors as internal
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "internal server error", err)
}
