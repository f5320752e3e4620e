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

type tokenRepository struct {
	client *ScyllaClient
}

func NewTokenRepository(client *ScyllaClient) TokenRepository {
	return &tokenRepository{client: client}
}

func (r *tokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	query := r.client.Prepared.CreateRefreshToken.Bind(
		token.AccountID, token.TokenID, token.FamilyID, token.SessionID,
		token.ExpiresAt, token.RevokedAt, token.CreatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create refresh token",
			zap.String("account_id", token.AccountID),
			zap.String("family_id", token.FamilyID),
			zap.Error(err))
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (r *tokenRepository) GetByID(ctx context.Context, accountID, tokenID string) (*models.RefreshToken, error) {
	token := &models.RefreshToken{}
	var revokedAt time.Time

	query := r.client.Prepared.GetRefreshToken.Bind(accountID, tokenID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&token.AccountID, &token.TokenID, &token.FamilyID, &token.SessionID,
		&token.ExpiresAt, &revokedAt, &token.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	token.RevokedAt = timePtr(revokedAt)
	return token, nil
}

func (r *tokenRepository) Revoke(ctx context.Context, accountID, tokenID string, at time.Time) error {
	query := r.client.Prepared.RevokeRefreshToken.
		Bind(at, accountID, tokenID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeFamily stamps revoked_at on every live token of a family. The Redis
// family key is the enforcement point; this keeps the durable mirror honest.
func (r *tokenRepository) RevokeFamily(ctx context.Context, accountID, familyID string, at time.Time) error {
	tokens, err := r.list(ctx, accountID)
	if err != nil {
		return err
	}

	batch := r.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	revoked := 0
	for _, token := range tokens {
		if token.FamilyID != familyID || token.RevokedAt != nil {
			continue
		}
		batch.Query(`UPDATE refresh_tokens SET revoked_at = ? WHERE account_id = ? AND token_id = ?`,
			at, accountID, token.TokenID)
		revoked++
	}
	if revoked == 0 {
		return nil
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to revoke token family",
			zap.String("account_id", accountID),
			zap.String("family_id", familyID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke token family: %w", err)
	}

	util.Warn("Token family revoked",
		zap.String("account_id", accountID),
		zap.String("family_id", familyID),
		zap.Int("tokens", revoked))
	return nil
}

func (r *tokenRepository) ListBySession(ctx context.Context, accountID, sessionID string) ([]*models.RefreshToken, error) {
	tokens, err := r.list(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var matched []*models.RefreshToken
	for _, token := range tokens {
		if token.SessionID == sessionID {
			matched = append(matched, token)
		}
	}
	return matched, nil
}

func (r *tokenRepository) list(ctx context.Context, accountID string) ([]*models.RefreshToken, error) {
	iter := r.client.Prepared.ListRefreshTokens.Bind(accountID).WithContext(ctx).Iter()

	var tokens []*models.RefreshToken
	token := &models.RefreshToken{}
	var revokedAt time.Time
	for iter.Scan(&token.AccountID, &token.TokenID, &token.FamilyID, &token.SessionID,
		&token.ExpiresAt, &revokedAt, &token.CreatedAt) {
		token.RevokedAt = timePtr(revokedAt)
		tokens = append(tokens, token)
		token = &models.RefreshToken{}
		revokedAt = time.Time{}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list refresh tokens",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	return tokens, nil
}
