package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/util"
)

type verificationRepository struct {
	client *ScyllaClient
}

func NewVerificationRepository(client *ScyllaClient) VerificationRepository {
	return &verificationRepository{client: client}
}

func (r *verificationRepository) Create(ctx context.Context, code *models.VerificationCode) error {
	query := r.client.Prepared.CreateVerificationCode.Bind(
		code.AccountID, code.CodeType, code.CodeID, code.CodeHash,
		code.ExpiresAt, code.UsedAt, code.CreatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create verification code",
			zap.String("account_id", code.AccountID),
			zap.String("code_type", code.CodeType),
			zap.Error(err))
		return fmt.Errorf("failed to create verification code: %w", err)
	}
	return nil
}

// GetActive returns the newest unused, unexpired code of the given type.
// Issuing a new code supersedes older rows even before they expire.
func (r *verificationRepository) GetActive(ctx context.Context, accountID, codeType string, now time.Time) (*models.VerificationCode, error) {
	iter := r.client.Prepared.ListVerificationCodes.Bind(accountID, codeType).WithContext(ctx).Iter()

	var active *models.VerificationCode
	code := &models.VerificationCode{AccountID: accountID, CodeType: codeType}
	var usedAt time.Time
	for iter.Scan(&code.CodeID, &code.CodeHash, &code.ExpiresAt, &usedAt, &code.CreatedAt) {
		code.UsedAt = timePtr(usedAt)
		if code.UsedAt == nil && now.Before(code.ExpiresAt) {
			if active == nil || code.CreatedAt.After(active.CreatedAt) {
				active = code
			}
		}
		code = &models.VerificationCode{AccountID: accountID, CodeType: codeType}
		usedAt = time.Time{}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list verification codes",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list verification codes: %w", err)
	}

	if active == nil {
		return nil, ErrNotFound
	}
	return active, nil
}

func (r *verificationRepository) MarkUsed(ctx context.Context, accountID, codeType, codeID string, at time.Time) error {
	query := r.client.Prepared.MarkVerificationUsed.
		Bind(at, accountID, codeType, codeID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to mark verification code used: %w", err)
	}
	return nil
}
