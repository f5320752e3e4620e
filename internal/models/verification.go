package models

import "time"

const (
	VerificationTypeEmailOtp    = "email_otp"
	VerificationTypeEmailVerify = "email_verify"
)

// VerificationCode is the durable fallback for short-lived email codes.
// The cache entry and this row share a single ExpiresAt computed at issuance.
type VerificationCode struct {
	AccountID string     `db:"account_id"`
	CodeID    string     `db:"code_id"`
	CodeHash  string     `db:"code_hash"`
	CodeType  string     `db:"code_type"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}
