package models

import "time"

// Account status lifecycle. Accounts are never hard-deleted; deletion is a
// status transition so audit history stays attached.
const (
	AccountStatusPending   = "pending"
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusDeleted   = "deleted"
)

type Account struct {
	AccountBucket       int        `db:"account_bucket"`
	AccountID           string     `db:"account_id"`
	Email               string     `db:"email"`
	EmailHash           string     `db:"email_hash"`
	PasswordHash        string     `db:"password_hash"`
	Role                string     `db:"role"`
	Status              string     `db:"status"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	MfaEnabled          bool       `db:"mfa_enabled"`
	EmailVerified       bool       `db:"email_verified"`
	CreatedAt           time.Time  `db:"created_at"`
	LastLogin           *time.Time `db:"last_login"`
	UpdatedAt           *time.Time `db:"updated_at"`
}

// CanAuthenticate reports whether the account status allows a login attempt.
func (a *Account) CanAuthenticate() bool {
	return a.Status == AccountStatusActive || a.Status == AccountStatusPending
}
