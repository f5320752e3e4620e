package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const (
	fraudCountPrefix    = "fraud:cnt:"
	fraudAccountsPrefix = "fraud:acct:"
	fraudBlockPrefix    = "fraud:block:"
)

// FraudCache tracks failed-login pressure per source IP: a raw failure
// counter plus the set of distinct accounts the IP has probed. Both keys
// slide with the latest failure.
type FraudCache struct {
	client *client.RedisClient
}

func NewFraudCache(client *client.RedisClient) *FraudCache {
	return &FraudCache{client: client}
}

// RecordFailure registers one failed attempt from ip against accountID and
// returns the updated failure count and distinct-account count. The four
// commands run in one transaction so concurrent failures never under-count.
func (c *FraudCache) RecordFailure(ctx context.Context, ip, accountID string, window time.Duration) (failures int, accounts int, err error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	pipe := c.client.TxPipeline()
	incrCmd := pipe.Incr(ctx, fraudCountPrefix+ip)
	pipe.Expire(ctx, fraudCountPrefix+ip, window)
	pipe.SAdd(ctx, fraudAccountsPrefix+ip, accountID)
	pipe.Expire(ctx, fraudAccountsPrefix+ip, window)
	cardCmd := pipe.SCard(ctx, fraudAccountsPrefix+ip)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to record fraud failure",
			zap.String("ip", ip),
			zap.Error(err))
		return 0, 0, fmt.Errorf("failed to record fraud failure: %w", err)
	}

	return int(incrCmd.Val()), int(cardCmd.Val()), nil
}

// Block marks the IP as blocked for the given duration.
func (c *FraudCache) Block(ctx context.Context, ip string, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, fraudBlockPrefix+ip, "blocked", duration); err != nil {
		util.Error("Failed to block IP",
			zap.String("ip", ip),
			zap.Error(err))
		return fmt.Errorf("failed to block IP: %w", err)
	}

	util.Warn("IP blocked",
		zap.String("ip", ip),
		zap.Duration("duration", duration))
	return nil
}

func (c *FraudCache) IsBlocked(ctx context.Context, ip string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	blocked, err := c.client.Exists(ctx, fraudBlockPrefix+ip)
	if err != nil {
		return false, fmt.Errorf("failed to check IP block: %w", err)
	}
	return blocked, nil
}

// BlockTTL reports the remaining block duration, zero when not blocked.
func (c *FraudCache) BlockTTL(ctx context.Context, ip string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, fraudBlockPrefix+ip)
	if err != nil {
		return 0, fmt.Errorf("failed to get block ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear removes all fraud state for an IP. Used by operators after a false
// positive.
func (c *FraudCache) Clear(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	keys := []string{
		fraudCountPrefix + ip,
		fraudAccountsPrefix + ip,
		fraudBlockPrefix + ip,
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear fraud state: %w", err)
	}
	return nil
}
