package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailNotConfirmed  = errors.New("email address not confirmed")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrNotLocked          = errors.New("account is not locked")

	// ErrUnauthorized is the uniform refresh-rotation failure: a token that
	// never existed, was already rotated, was revoked, or expired all look
	// identical to the caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken covers unknown and already-consumed one-time tokens
	// without distinguishing the two.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	ErrConflict      = errors.New("username or email already taken")
	ErrPasswordReuse = errors.New("password was used recently")
)

// LockedError rejects authentication while lockout_until is in the future.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// InvalidCredentialsError is returned on a password mismatch that did not
// trip the lockout, carrying how many attempts remain.
type InvalidCredentialsError struct {
	RemainingAttempts int
}

func (e InvalidCredentialsError) Error() string {
	return "invalid credentials"
}

func (e InvalidCredentialsError) Unwrap() error {
	return ErrInvalidCredentials
}
