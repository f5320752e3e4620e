package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/util"
)

type mfaRepository struct {
	client *ScyllaClient
}

func NewMfaRepository(client *ScyllaClient) MfaRepository {
	return &mfaRepository{client: client}
}

func (r *mfaRepository) GetConfig(ctx context.Context, accountID string) (*models.MfaConfig, error) {
	cfg := &models.MfaConfig{}
	var updatedAt time.Time

	query := r.client.Prepared.GetMfaConfig.Bind(accountID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&cfg.AccountID, &cfg.SecretEncrypted, &cfg.TotpEnabled,
		&cfg.EmailOtpEnabled, &cfg.PreferredMethod, &cfg.CreatedAt, &updatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get MFA config",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get MFA config: %w", err)
	}

	cfg.UpdatedAt = timePtr(updatedAt)
	return cfg, nil
}

// EnableTotp writes the config row and the initial recovery-code generation
// in one logged batch so a partially enabled state is never visible.
func (r *mfaRepository) EnableTotp(ctx context.Context, cfg *models.MfaConfig, codes []*models.RecoveryCode) error {
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = &now

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
        INSERT INTO mfa_configs (
            account_id, secret_encrypted, totp_enabled, email_otp_enabled,
            preferred_method, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.AccountID, cfg.SecretEncrypted, cfg.TotpEnabled,
		cfg.EmailOtpEnabled, cfg.PreferredMethod, cfg.CreatedAt, cfg.UpdatedAt)

	for _, code := range codes {
		batch.Query(`
            INSERT INTO recovery_codes (account_id, code_hash, used_at, created_at)
            VALUES (?, ?, ?, ?)`,
			code.AccountID, code.CodeHash, code.UsedAt, now)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to enable TOTP",
			zap.String("account_id", cfg.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to enable TOTP: %w", err)
	}

	util.Info("TOTP enabled",
		zap.String("account_id", cfg.AccountID),
		zap.Int("recovery_codes", len(codes)))
	return nil
}

// DisableTotp removes the config and every recovery code in one logged batch.
func (r *mfaRepository) DisableTotp(ctx context.Context, accountID string) error {
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM mfa_configs WHERE account_id = ?`, accountID)
	batch.Query(`DELETE FROM recovery_codes WHERE account_id = ?`, accountID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to disable TOTP",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to disable TOTP: %w", err)
	}

	util.Info("TOTP disabled", zap.String("account_id", accountID))
	return nil
}

func (r *mfaRepository) ListRecoveryCodes(ctx context.Context, accountID string) ([]*models.RecoveryCode, error) {
	iter := r.client.Prepared.ListRecoveryCodes.Bind(accountID).WithContext(ctx).Iter()

	var codes []*models.RecoveryCode
	var codeHash string
	var usedAt, createdAt time.Time

	for iter.Scan(&codeHash, &usedAt, &createdAt) {
		codes = append(codes, &models.RecoveryCode{
			AccountID: accountID,
			CodeHash:  codeHash,
			UsedAt:    timePtr(usedAt),
			CreatedAt: createdAt,
		})
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list recovery codes",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list recovery codes: %w", err)
	}

	return codes, nil
}

func (r *mfaRepository) MarkRecoveryCodeUsed(ctx context.Context, accountID, codeHash string, at time.Time) error {
	query := r.client.Prepared.MarkRecoveryCodeUsed.
		Bind(at, accountID, codeHash).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to mark recovery code used: %w", err)
	}
	return nil
}

// ReplaceRecoveryCodes swaps the whole generation in one logged batch. The
// delete is written one microsecond before the inserts so the new codes
// survive the range tombstone.
func (r *mfaRepository) ReplaceRecoveryCodes(ctx context.Context, accountID string, codes []*models.RecoveryCode) error {
	now := time.Now().UTC()
	writeTime := now.UnixMicro()

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM recovery_codes USING TIMESTAMP ? WHERE account_id = ?`,
		writeTime, accountID)

	for _, code := range codes {
		batch.Query(`
            INSERT INTO recovery_codes (account_id, code_hash, used_at, created_at)
            VALUES (?, ?, ?, ?) USING TIMESTAMP ?`,
			code.AccountID, code.CodeHash, code.UsedAt, now, writeTime+1)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to replace recovery codes",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to replace recovery codes: %w", err)
	}

	util.Info("Recovery codes replaced",
		zap.String("account_id", accountID),
		zap.Int("count", len(codes)))
	return nil
}
