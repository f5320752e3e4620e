package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const mfaSetupPrefix = "mfasetup:"

// ErrSetupNotFound is returned when no pending TOTP enrollment exists.
var ErrSetupNotFound = errors.New("no pending MFA setup")

// SetupCache holds the encrypted TOTP secret between setup and confirmation.
// The secret only moves to durable storage once the user proves they can
// produce a valid code from it.
type SetupCache struct {
	client *client.RedisClient
}

func NewSetupCache(client *client.RedisClient) *SetupCache {
	return &SetupCache{client: client}
}

func (c *SetupCache) SetPendingSecret(ctx context.Context, accountID, encryptedSecret string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, mfaSetupPrefix+accountID, encryptedSecret, ttl); err != nil {
		util.Error("Failed to store pending MFA setup",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to store pending MFA setup: %w", err)
	}

	util.Debug("Pending MFA setup stored",
		zap.String("account_id", accountID),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *SetupCache) GetPendingSecret(ctx context.Context, accountID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	secret, err := c.client.Get(ctx, mfaSetupPrefix+accountID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", ErrSetupNotFound
		}
		return "", fmt.Errorf("failed to get pending MFA setup: %w", err)
	}
	return secret, nil
}

func (c *SetupCache) DeletePendingSecret(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, mfaSetupPrefix+accountID); err != nil {
		return fmt.Errorf("failed to delete pending MFA setup: %w", err)
	}
	return nil
}
