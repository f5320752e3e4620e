package scylla

import (
	"context"
	"time"

	"identity-service/internal/models"
)

// AccountRepository persists accounts and the email lookup index.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	GetByEmailHash(ctx context.Context, emailHash string) (*models.Account, error)
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error
	UpdateLockout(ctx context.Context, accountID string, failedAttempts int, lockedUntil *time.Time) error
	UpdateStatus(ctx context.Context, accountID, status string) error
	SetMfaEnabled(ctx context.Context, accountID string, enabled bool) error
	MarkEmailVerified(ctx context.Context, accountID string) error
	UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error
}

// MfaRepository persists MFA configuration and recovery codes.
type MfaRepository interface {
	GetConfig(ctx context.Context, accountID string) (*models.MfaConfig, error)
	EnableTotp(ctx context.Context, cfg *models.MfaConfig, codes []*models.RecoveryCode) error
	DisableTotp(ctx context.Context, accountID string) error
	ListRecoveryCodes(ctx context.Context, accountID string) ([]*models.RecoveryCode, error)
	MarkRecoveryCodeUsed(ctx context.Context, accountID, codeHash string, at time.Time) error
	ReplaceRecoveryCodes(ctx context.Context, accountID string, codes []*models.RecoveryCode) error
}

// SessionRepository persists the per-account session partition.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, accountID, sessionID string) (*models.Session, error)
	ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.Session, error)
	Touch(ctx context.Context, accountID, sessionID string, at time.Time) error
	Delete(ctx context.Context, accountID, sessionID string) error
}

// TokenRepository is the durable mirror of refresh-token state.
type TokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	GetByID(ctx context.Context, accountID, tokenID string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, accountID, tokenID string, at time.Time) error
	RevokeFamily(ctx context.Context, accountID, familyID string, at time.Time) error
	ListBySession(ctx context.Context, accountID, sessionID string) ([]*models.RefreshToken, error)
}

// VerificationRepository persists email verification and OTP codes.
type VerificationRepository interface {
	Create(ctx context.Context, code *models.VerificationCode) error
	GetActive(ctx context.Context, accountID, codeType string, now time.Time) (*models.VerificationCode, error)
	MarkUsed(ctx context.Context, accountID, codeType, codeID string, at time.Time) error
}
