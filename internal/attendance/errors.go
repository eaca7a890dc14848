package attendance

import (
	"context"
	"errors"
	"net/http"
)

// Bad input.
var (
	ErrInvalidDetection = errors.New("invalid detection")
	ErrInvalidDecision  = errors.New("invalid manual decision")
)

// Data-integrity violations. These point at a caller or concurrency bug and
// are never retried automatically.
var (
	ErrRecordExists     = errors.New("attendance record already exists for person and date")
	ErrRecordNotFound   = errors.New("attendance record not found")
	ErrOrphanCheckOut   = errors.New("check-out without check-in")
	ErrNegativeDuration = errors.New("check-out before check-in")
	ErrDurationMismatch = errors.New("duration does not match check-in and check-out")
	ErrConstraint       = errors.New("attendance constraint violated")
	ErrOutsideLock      = errors.New("record key outside the locked person and date")
)

// ErrLockTimeout is an infrastructure failure; the caller may retry.
var ErrLockTimeout = errors.New("attendance record lock timeout")

var integrityErrors = []error{
	ErrRecordExists,
	ErrRecordNotFound,
	ErrOrphanCheckOut,
	ErrNegativeDuration,
	ErrDurationMismatch,
	ErrConstraint,
	ErrOutsideLock,
}

// IsIntegrity reports whether err is a data-integrity violation.
func IsIntegrity(err error) bool {
	for _, target := range integrityErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidDetection) || errors.Is(err, ErrInvalidDecision)
}

// IsRetryable reports whether err is an infrastructure failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil || IsIntegrity(err) || IsInvalid(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// MapHTTPStatus maps a decision error to an HTTP status code.
func MapHTTPStatus(err error) int {
	switch {
	case IsInvalid(err):
		return http.StatusBadRequest
	case IsIntegrity(err):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
