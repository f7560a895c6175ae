package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrProviderDisabled     = errors.New("auth: provider disabled")
	ErrAttemptNotFound      = errors.New("auth: attempt not found")
	ErrAttemptCompleted     = errors.New("auth: attempt already completed")
	ErrMultipleIdentities   = errors.New("auth: chained providers resolved multiple identities")
	ErrAccessTokenExpired   = errors.New("auth: access token expired")
	ErrRefreshTokenExpired  = errors.New("auth: refresh token expired")
	ErrRefreshTokenMismatch = errors.New("auth: refresh token mismatch")
	ErrUnauthorized         = errors.New("auth: unauthorized")
	ErrPermissionDenied     = errors.New("auth: permission denied")
	ErrNotFound             = errors.New("auth: not found")
	ErrAccountLocked        = errors.New("auth: account locked")
)

// LockoutError carries the earliest time a new attempt will be accepted.
// errors.Is(err, ErrAccountLocked) holds for values of this type.
type LockoutError struct {
	Until time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockoutError) Is(target error) bool { return target == ErrAccountLocked }

// storageErr wraps persistence failures with the failed operation so the
// cause is never swallowed on the way up.
func storageErr(op string, err error) error {
	return fmt.Errorf("auth: %s: %w", op, err)
}
