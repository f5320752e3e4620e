package models

import "time"

// RefreshToken is the durable record of one member of a rotation family.
// At most one row per family may have a nil RevokedAt at any instant; the
// atomic handover lives in Redis, this row is the durable mirror.
type RefreshToken struct {
	AccountID string     `db:"account_id"`
	TokenID   string     `db:"token_id"`
	FamilyID  string     `db:"family_id"`
	SessionID string     `db:"session_id"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
	CreatedAt time.Time  `db:"created_at"`
}
