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

const emailOtpPrefix = "emailotp:"

// ErrCodeNotFound is returned when no active code exists for the account.
var ErrCodeNotFound = errors.New("verification code not found")

// OtpCache keeps the hash of the currently active email OTP per account. The
// key TTL is the single source of expiry on the hot path; the Scylla row only
// mirrors it for audit.
type OtpCache struct {
	client *client.RedisClient
}

func NewOtpCache(client *client.RedisClient) *OtpCache {
	return &OtpCache{client: client}
}

// SetCode stores the OTP hash, replacing any previous code for the account.
// Issuing a new code invalidates the old one.
func (c *OtpCache) SetCode(ctx context.Context, accountID, codeHash string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, emailOtpPrefix+accountID, codeHash, ttl); err != nil {
		util.Error("Failed to store email OTP",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to store email OTP: %w", err)
	}

	util.Debug("Email OTP stored",
		zap.String("account_id", accountID),
		zap.Duration("ttl", ttl))
	return nil
}

// GetCode returns the active OTP hash or ErrCodeNotFound when none exists or
// it has expired.
func (c *OtpCache) GetCode(ctx context.Context, accountID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	hash, err := c.client.Get(ctx, emailOtpPrefix+accountID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", ErrCodeNotFound
		}
		return "", fmt.Errorf("failed to get email OTP: %w", err)
	}
	return hash, nil
}

// DeleteCode consumes the active OTP so it cannot be replayed.
func (c *OtpCache) DeleteCode(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, emailOtpPrefix+accountID); err != nil {
		return fmt.Errorf("failed to delete email OTP: %w", err)
	}
	return nil
}
