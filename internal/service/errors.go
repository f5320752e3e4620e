package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// callers cannot distinguish the two.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountInactive        = errors.New("account is not allowed to authenticate")
	ErrAccountLocked          = errors.New("account temporarily locked")
	ErrIpBlocked              = errors.New("source address blocked")

	ErrMfaRequired       = errors.New("multi-factor verification required")
	ErrMfaNotEnabled     = errors.New("multi-factor authentication not enabled")
	ErrMfaAlreadyEnabled = errors.New("multi-factor authentication already enabled")
	ErrMfaInvalidCode    = errors.New("invalid verification code")
	ErrMfaRateLimited    = errors.New("too many verification attempts")
	ErrMfaSetupExpired   = errors.New("enrollment window expired")

	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenTypeMismatch marks a well-formed token presented as the wrong
	// kind, a refresh token on the access path for example. It also matches
	// ErrTokenInvalid for callers that only care about validity.
	ErrTokenTypeMismatch = fmt.Errorf("%w: token type mismatch", ErrTokenInvalid)

	ErrSessionNotFound = errors.New("session not found")

	ErrVerificationInvalid = errors.New("verification code invalid or expired")

	// ErrInfrastructure means a backing store could not answer a security
	// check. The request is denied rather than letting the check pass.
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// MfaMethod identifies one way of completing a second factor.
type MfaMethod string

const (
	MethodTotp     MfaMethod = "totp"
	MethodEmailOtp MfaMethod = "email_otp"
	MethodRecovery MfaMethod = "recovery"
)

func ParseMfaMethod(raw string) (MfaMethod, error) {
	switch MfaMethod(raw) {
	case MethodTotp, MethodEmailOtp, MethodRecovery:
		return MfaMethod(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown method %q", ErrMfaInvalidCode, raw)
	}
}

// AccountLockedError carries the remaining lockout so clients can surface a
// retry hint. errors.Is(err, ErrAccountLocked) matches it.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account temporarily locked, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// MfaRateLimitedError carries the remaining throttle window.
// errors.Is(err, ErrMfaRateLimited) matches it.
type MfaRateLimitedError struct {
	RetryAfter time.Duration
}

func (e *MfaRateLimitedError) Error() string {
	return fmt.Sprintf("too many verification attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *MfaRateLimitedError) Unwrap() error { return ErrMfaRateLimited }

// MfaRequiredError tells the caller which second factors the account can
// complete. errors.Is(err, ErrMfaRequired) matches it.
type MfaRequiredError struct {
	Methods []MfaMethod
}

func (e *MfaRequiredError) Error() string {
	return fmt.Sprintf("multi-factor verification required via %v", e.Methods)
}

func (e *MfaRequiredError) Unwrap() error { return ErrMfaRequired }
