package models

import "time"

type Session struct {
	AccountID    string    `db:"account_id"`
	SessionID    string    `db:"session_id"`
	IPAddress    string    `db:"ip_address"`
	UserAgent    string    `db:"user_agent"`
	CreatedAt    time.Time `db:"created_at"`
	LastActiveAt time.Time `db:"last_active_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// Expired reports whether the session is past its refresh-token horizon.
// Expired sessions are inert; the rows are garbage-collected lazily.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
