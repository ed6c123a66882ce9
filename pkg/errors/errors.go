package apperrors

import (
	"context"
	"errors"
)

// Standardized exchange errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrInvalidOrder         = errors.New("invalid order parameter")
	ErrSystemOverload       = errors.New("system overload")
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")
)

// Store and domain errors
var (
	ErrNotFound         = errors.New("not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position already closed")
	ErrStoreConflict    = errors.New("concurrent store mutation")
	ErrStoreTimeout     = errors.New("store timeout")
	ErrBreakerOpen      = errors.New("circuit breaker open")
	ErrValidation       = errors.New("validation failed")
	ErrRiskLimit        = errors.New("risk limit exceeded")
	// ErrInvariant marks logic bugs such as a reduce-only order without an
	// open position. Never retried; the cycle aborts and the circuit breaker
	// is left alone.
	ErrInvariant = errors.New("invariant violated")
)

// IsTransient reports whether an error is worth retrying: network trouble,
// rate limits, store timeouts, exchange overload or maintenance windows.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrExchangeMaintenance) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsConflict reports whether an error is a lost row-lock race, retried a few
// times before surfacing.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// IsFatal reports whether an error is an invariant violation. Fatal errors
// abort the current cycle and must never trip the circuit breaker.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariant)
}

// IsNotFound reports whether an error is a missing-entity error; idempotent
// paths swallow these.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPositionNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}
