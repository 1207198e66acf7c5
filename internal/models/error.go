package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Credential and factor errors. ErrInvalidCredential deliberately covers
	// both "unknown account" and "wrong password" so callers cannot probe for
	// account existence.
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrFactorNotEnrolled = errors.New("second factor not enrolled")
	ErrPasswordReused    = errors.New("password was used recently")
	ErrEmailNotVerified  = errors.New("email address not verified")

	// Ceremony and one-time code errors
	ErrChallengeExpired  = errors.New("challenge expired or missing")
	ErrChallengeMismatch = errors.New("challenge verification failed")
	ErrCounterRegressed  = errors.New("authenticator counter regressed")
	ErrCodeExpired       = errors.New("code expired or not issued")
	ErrCodeAlreadyUsed   = errors.New("code already used")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")

	// Account state errors
	ErrAccountDisabled = errors.New("account is disabled")
	ErrAccountDeleted  = errors.New("account is deleted")
)

// RateLimitedError is returned when an admission check denies a request.
// It carries the retry-after hint surfaced to the caller.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
	}
	return "rate limit exceeded"
}

// ErrRateLimited reports whether err is a rate limit denial and, if so,
// returns the retry-after hint.
func ErrRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
