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
	sessionBlacklistPrefix = "bl:sid:"
	tokenBlacklistPrefix   = "bl:jti:"
	tokenFamilyPrefix      = "fam:"
)

// RotateOutcome is the result of a compare-and-swap refresh rotation.
type RotateOutcome int

const (
	// RotateOK means the presented token was the active one and the family
	// now points at the new token.
	RotateOK RotateOutcome = iota
	// RotateReused means the presented token was already rotated away. This
	// is the replay signal.
	RotateReused
	// RotateExpired means the family key no longer exists.
	RotateExpired
)

// rotateFamilyScript swaps the family's active token id only if the caller
// presents the current one. Returns 1 on swap, 0 on mismatch, -1 when the
// family key is gone.
const rotateFamilyScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
    return -1
end
if current == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[3]))
    return 1
end
return 0
`

// BlacklistCache answers the "is this still good" questions on the token hot
// path: revoked sessions, revoked access tokens, and the active refresh token
// per rotation family.
type BlacklistCache struct {
	client *client.RedisClient
}

func NewBlacklistCache(client *client.RedisClient) *BlacklistCache {
	return &BlacklistCache{client: client}
}

// BlacklistSession marks a session id revoked. The TTL only needs to outlive
// the longest-lived token bound to the session.
func (c *BlacklistCache) BlacklistSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, sessionBlacklistPrefix+sessionID, "revoked", ttl); err != nil {
		util.Error("Failed to blacklist session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to blacklist session: %w", err)
	}
	return nil
}

func (c *BlacklistCache) IsSessionBlacklisted(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	revoked, err := c.client.Exists(ctx, sessionBlacklistPrefix+sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check session blacklist: %w", err)
	}
	return revoked, nil
}

// BlacklistToken marks a single token id revoked.
func (c *BlacklistCache) BlacklistToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, tokenBlacklistPrefix+tokenID, "revoked", ttl); err != nil {
		util.Error("Failed to blacklist token",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (c *BlacklistCache) IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	revoked, err := c.client.Exists(ctx, tokenBlacklistPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return revoked, nil
}

// RegisterFamily records the first token of a new rotation family.
func (c *BlacklistCache) RegisterFamily(ctx context.Context, familyID, tokenID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, tokenFamilyPrefix+familyID, tokenID, ttl); err != nil {
		util.Error("Failed to register token family",
			zap.String("family_id", familyID),
			zap.Error(err))
		return fmt.Errorf("failed to register token family: %w", err)
	}
	return nil
}

// RotateFamily atomically advances the family to newTokenID if presentedID is
// still the active token. Two concurrent rotations with the same token can
// never both succeed.
func (c *BlacklistCache) RotateFamily(ctx context.Context, familyID, presentedID, newTokenID string, ttl time.Duration) (RotateOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	result, err := c.client.Eval(ctx, rotateFamilyScript,
		[]string{tokenFamilyPrefix + familyID},
		presentedID, newTokenID, int(ttl.Seconds()))
	if err != nil {
		util.Error("Failed to rotate token family",
			zap.String("family_id", familyID),
			zap.Error(err))
		return RotateReused, fmt.Errorf("failed to rotate token family: %w", err)
	}

	switch result.(int64) {
	case 1:
		return RotateOK, nil
	case -1:
		return RotateExpired, nil
	default:
		return RotateReused, nil
	}
}

// RevokeFamily kills a rotation family so no refresh token in it can rotate
// again.
func (c *BlacklistCache) RevokeFamily(ctx context.Context, familyID string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, tokenFamilyPrefix+familyID); err != nil {
		util.Error("Failed to revoke token family",
			zap.String("family_id", familyID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke token family: %w", err)
	}
	return nil
}
