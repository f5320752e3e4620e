package models

import "time"

// MfaConfig is the one-per-account MFA record. The TOTP secret is stored
// encrypted only; there is no code path that persists it in plaintext.
type MfaConfig struct {
	AccountID       string     `db:"account_id"`
	SecretEncrypted string     `db:"secret_encrypted"`
	TotpEnabled     bool       `db:"totp_enabled"`
	EmailOtpEnabled bool       `db:"email_otp_enabled"`
	PreferredMethod string     `db:"preferred_method"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
}

// RecoveryCode stores a one-way hash of a single backup credential. UsedAt is
// permanent once set; a whole generation of codes is replaced atomically.
type RecoveryCode struct {
	AccountID string     `db:"account_id"`
	CodeHash  string     `db:"code_hash"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// MfaAttempt is the append-only audit record of one verification attempt.
// It backs rate-limit reconstruction when the fast cache is unavailable.
type MfaAttempt struct {
	AttemptID   string    `db:"attempt_id"`
	AccountID   string    `db:"account_id"`
	Method      string    `db:"method"`
	Success     bool      `db:"success"`
	IPAddress   string    `db:"ip_address"`
	AttemptedAt time.Time `db:"attempted_at"`
}
