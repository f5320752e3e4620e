package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const (
	loginCounterPrefix = "login:"
	mfaCounterPrefix   = "mfa:"
	tempLockPrefix     = "lock:"

	cacheOpTimeout = 5 * time.Second
)

// RateLimitCache holds the failure counters behind lockout and MFA throttling.
// Every increment refreshes the key TTL, so the window slides with the most
// recent failure rather than the first one.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// IncrementLoginFailures bumps the failed-login counter for an account and
// returns the new count.
func (c *RateLimitCache) IncrementLoginFailures(ctx context.Context, accountID string, window time.Duration) (int, error) {
	return c.increment(ctx, loginCounterPrefix+accountID, window)
}

func (c *RateLimitCache) GetLoginFailures(ctx context.Context, accountID string) (int, error) {
	return c.getCounter(ctx, loginCounterPrefix+accountID)
}

func (c *RateLimitCache) ResetLoginFailures(ctx context.Context, accountID string) error {
	return c.reset(ctx, loginCounterPrefix+accountID)
}

// IncrementMfaFailures bumps the failed MFA verification counter for an
// account and returns the new count.
func (c *RateLimitCache) IncrementMfaFailures(ctx context.Context, accountID string, window time.Duration) (int, error) {
	return c.increment(ctx, mfaCounterPrefix+accountID, window)
}

func (c *RateLimitCache) GetMfaFailures(ctx context.Context, accountID string) (int, error) {
	return c.getCounter(ctx, mfaCounterPrefix+accountID)
}

func (c *RateLimitCache) ResetMfaFailures(ctx context.Context, accountID string) error {
	return c.reset(ctx, mfaCounterPrefix+accountID)
}

// SetTemporaryLock places a hard lock on a key for the given duration.
// Existing locks are extended, not rejected.
func (c *RateLimitCache) SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, tempLockPrefix+key, "locked", ttl); err != nil {
		util.Error("Failed to set temporary lock",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}

	util.Debug("Temporary lock set",
		zap.String("key", key),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *RateLimitCache) IsLocked(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	exists, err := c.client.Exists(ctx, tempLockPrefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return exists, nil
}

// LockTTL reports how long a lock has left. Returns zero when the key is not
// locked.
func (c *RateLimitCache) LockTTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, tempLockPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("failed to get lock ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (c *RateLimitCache) ClearLock(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, tempLockPrefix+key); err != nil {
		return fmt.Errorf("failed to clear lock: %w", err)
	}
	return nil
}

func (c *RateLimitCache) increment(ctx context.Context, key string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment counter",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return int(count), nil
}

func (c *RateLimitCache) getCounter(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Error("Invalid counter format",
			zap.String("key", key),
			zap.String("value", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}

	return count, nil
}

func (c *RateLimitCache) reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to reset counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}
