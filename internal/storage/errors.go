package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotFound is returned by Get for absent or expired rows.
	ErrNotFound = errors.New("item not found")

	// ErrConditionFailed is returned by Put when its Condition does not hold.
	ErrConditionFailed = errors.New("condition failed")

	// ErrUnavailable is returned once retries of a transient failure are exhausted.
	ErrUnavailable = errors.New("storage unavailable")
)

// transientError marks backend errors that are safe to retry. An ambiguous
// one may have been applied before it failed.
type transientError struct {
	err       error
	ambiguous bool
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it. Use it for
// failures where the backend did not apply the operation.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Ambiguous wraps a transient err whose operation may have been applied.
func Ambiguous(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, ambiguous: true}
}

// IsAmbiguous reports whether a failed write may still have committed:
// timeouts, dropped connections after the request was sent, and errors
// marked with Ambiguous.
func IsAmbiguous(err error) bool {
	var te *transientError
	if errors.As(err, &te) && te.ambiguous {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTransient reports whether err is a timeout, throttling or connection
// failure. Condition failures, missing rows and cancelled contexts never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConditionFailed) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
