package models

import "time"

// Security event types recorded by the audit trail. The API surface stays
// generic; these carry the precise internal cause for investigation.
const (
	EventLoginSuccess       = "login_success"
	EventLoginUnknownEmail  = "login_unknown_email"
	EventLoginWrongPassword = "login_wrong_password"
	EventLoginLocked        = "login_account_locked"
	EventLoginIpBlocked     = "login_ip_blocked"
	EventLoginStatusDenied  = "login_status_denied"
	EventAccountRegistered  = "account_registered"
	EventAccountLocked      = "account_locked"
	EventIpBlocked          = "ip_blocked"
	EventMfaSetupStarted    = "mfa_setup_started"
	EventMfaEnabled         = "mfa_enabled"
	EventMfaDisabled        = "mfa_disabled"
	EventMfaVerifyFailed    = "mfa_verify_failed"
	EventMfaRateLimited     = "mfa_rate_limited"
	EventRecoveryCodeUsed   = "recovery_code_used"
	EventRecoveryRegenerate = "recovery_codes_regenerated"
	EventTokenRotated       = "token_rotated"
	EventTokenReuseDetected = "token_reuse_detected"
	EventSessionRevoked     = "session_revoked"
	EventLogout             = "logout"
)

type SecurityEvent struct {
	EventBucket int       `db:"event_bucket"`
	EventID     string    `db:"event_id"`
	AccountID   string    `db:"account_id"`
	EventDate   string    `db:"event_date"`
	EventTime   time.Time `db:"event_time"`
	EventType   string    `db:"event_type"`
	IPAddress   string    `db:"ip_address"`
	SessionID   string    `db:"session_id"`
	Details     string    `db:"details"`
}
