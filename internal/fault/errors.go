// Package fault defines the typed errors shared by every gateway service.
//
// Services return *Error values; the HTTP layer turns them into the JSON
// error envelope without inspecting messages. Callers match kinds with
// errors.Is against the exported sentinels:
//
//	if errors.Is(err, fault.ErrRateLimited) { ... }
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

// Error carries a machine-readable code and the HTTP status it maps to.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	RetryAfter time.Duration // set for rate-limited and cooldown outcomes
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so sentinels
// match any error of their kind regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func sentinel(code string, status int, message string) *Error {
	return &Error{Code: code, StatusCode: status, Message: message}
}

// Sentinels for errors.Is. Never return these directly; use the constructors
// so each error carries its own message and cause.
var (
	ErrInvalidDomain       = sentinel(models.ErrorCodeInvalidDomain, http.StatusBadRequest, "invalid domain")
	ErrInvalidRequest      = sentinel(models.ErrorCodeInvalidRequest, http.StatusBadRequest, "invalid request")
	ErrRateLimited         = sentinel(models.ErrorCodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
	ErrBlocked             = sentinel(models.ErrorCodeBlocked, http.StatusForbidden, "request blocked")
	ErrUnknownOrExpiredKey = sentinel(models.ErrorCodeUnknownOrExpiredKey, http.StatusNotFound, "unknown or expired key")
	ErrAlreadyExchanged    = sentinel(models.ErrorCodeAlreadyExchanged, http.StatusConflict, "already exchanged")
	ErrVerificationFailed  = sentinel(models.ErrorCodeVerificationFailed, http.StatusUnauthorized, "verification failed")
	ErrUnknownCredential   = sentinel(models.ErrorCodeUnauthorized, http.StatusUnauthorized, "invalid credentials")
	ErrSuspended           = sentinel(models.ErrorCodeSuspended, http.StatusForbidden, "site suspended")
	ErrDisabled            = sentinel(models.ErrorCodeDisabled, http.StatusForbidden, "site disabled")
	ErrSignatureMismatch   = sentinel(models.ErrorCodeSignatureMismatch, http.StatusUnauthorized, "signature mismatch")
	ErrForbidden           = sentinel(models.ErrorCodeForbidden, http.StatusForbidden, "forbidden")
	ErrNotFound            = sentinel(models.ErrorCodeNotFound, http.StatusNotFound, "not found")
	ErrConflict            = sentinel(models.ErrorCodeConflict, http.StatusConflict, "conflict")
	ErrUnavailable         = sentinel(models.ErrorCodeServiceUnavailable, http.StatusServiceUnavailable, "service unavailable")
	ErrInternal            = sentinel(models.ErrorCodeInternalError, http.StatusInternalServerError, "internal error")
)

func derive(kind *Error, message string, err error) *Error {
	if message == "" {
		message = kind.Message
	}
	return &Error{Code: kind.Code, StatusCode: kind.StatusCode, Message: message, Err: err}
}

func InvalidDomain(message string) *Error {
	return derive(ErrInvalidDomain, message, nil)
}

func InvalidRequest(message string, err error) *Error {
	return derive(ErrInvalidRequest, message, err)
}

// RateLimited builds a 429 error. retryAfter is rounded up to whole seconds
// by the HTTP layer.
func RateLimited(message string, retryAfter time.Duration) *Error {
	e := derive(ErrRateLimited, message, nil)
	e.RetryAfter = retryAfter
	return e
}

// Blocked never says which rule fired; details go to the audit log only.
func Blocked() *Error {
	return derive(ErrBlocked, "", nil)
}

func UnknownOrExpiredKey() *Error {
	return derive(ErrUnknownOrExpiredKey, "temporary key is unknown or has expired", nil)
}

func AlreadyExchanged() *Error {
	return derive(ErrAlreadyExchanged, "temporary key has already been exchanged", nil)
}

func VerificationFailed(message string, err error) *Error {
	return derive(ErrVerificationFailed, message, err)
}

func UnknownCredential() *Error {
	return derive(ErrUnknownCredential, "", nil)
}

func Suspended() *Error {
	return derive(ErrSuspended, "", nil)
}

func Disabled() *Error {
	return derive(ErrDisabled, "", nil)
}

func SignatureMismatch(message string) *Error {
	return derive(ErrSignatureMismatch, message, nil)
}

func Forbidden(message string) *Error {
	return derive(ErrForbidden, message, nil)
}

func NotFound(message string) *Error {
	return derive(ErrNotFound, message, nil)
}

func Conflict(message string) *Error {
	return derive(ErrConflict, message, nil)
}

func Unavailable(message string, err error) *Error {
	return derive(ErrUnavailable, message, err)
}

func Internal(message string, err error) *Error {
	return derive(ErrInternal, message, err)
}

// Store maps a storage failure: exhausted retries become Unavailable, any
// other failure is Internal.
func Store(message string, err error) *Error {
	if errors.Is(err, storage.ErrUnavailable) {
		return Unavailable(message, err)
	}
	return Internal(message, err)
}

// As returns the *Error in err's chain, or an internal error wrapping err
// when there is none. Nil stays nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Internal("", err)
}
