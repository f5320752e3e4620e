package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

// LockoutService throttles password guessing per account. The Redis counter
// is authoritative; the account row's locked_until is a durable mirror that
// survives a cache flush.
type LockoutService struct {
	cache    *redisrepo.RateLimitCache
	accounts scylla.AccountRepository
	config   *config.Config
}

func NewLockoutService(cache *redisrepo.RateLimitCache, accounts scylla.AccountRepository, cfg *config.Config) *LockoutService {
	return &LockoutService{
		cache:    cache,
		accounts: accounts,
		config:   cfg,
	}
}

// CheckLocked rejects the attempt when the account is locked. A cache error
// denies the attempt rather than waving it through.
func (s *LockoutService) CheckLocked(ctx context.Context, account *models.Account) error {
	locked, err := s.cache.IsLocked(ctx, loginKey(account.AccountID))
	if err != nil {
		util.Error("Lockout check unavailable",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return ErrInfrastructure
	}
	if locked {
		retryAfter, err := s.cache.LockTTL(ctx, loginKey(account.AccountID))
		if err != nil || retryAfter == 0 {
			retryAfter = s.config.Lockout.Duration
		}
		return &AccountLockedError{RetryAfter: retryAfter}
	}

	// Durable mirror covers the window after a cache flush
	if account.LockedUntil != nil {
		if remaining := time.Until(*account.LockedUntil); remaining > 0 {
			return &AccountLockedError{RetryAfter: remaining}
		}
	}

	return nil
}

// RecordFailure counts one failed password attempt and locks the account when
// the threshold is reached. Returns the lock state after this failure.
func (s *LockoutService) RecordFailure(ctx context.Context, account *models.Account) (locked bool, retryAfter time.Duration, err error) {
	count, err := s.cache.IncrementLoginFailures(ctx, account.AccountID, s.config.Lockout.Window)
	if err != nil {
		return false, 0, err
	}

	if count < s.config.Lockout.MaxAttempts {
		return false, 0, nil
	}

	duration := s.config.Lockout.Duration
	if err := s.cache.SetTemporaryLock(ctx, loginKey(account.AccountID), duration); err != nil {
		return false, 0, err
	}
	if err := s.cache.ResetLoginFailures(ctx, account.AccountID); err != nil {
		util.Warn("Failed to reset login failure counter after lock",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	until := time.Now().UTC().Add(duration)
	if err := s.accounts.UpdateLockout(ctx, account.AccountID, count, &until); err != nil {
		util.Warn("Failed to mirror lockout to account row",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	util.Warn("Account locked after repeated failures",
		zap.String("account_id", account.AccountID),
		zap.Int("attempts", count),
		zap.Duration("duration", duration))

	return true, duration, nil
}

// RecordSuccess clears all failure state after a correct password.
func (s *LockoutService) RecordSuccess(ctx context.Context, account *models.Account) {
	if err := s.cache.ResetLoginFailures(ctx, account.AccountID); err != nil {
		util.Warn("Failed to reset login failure counter",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}
	if account.FailedLoginAttempts > 0 || account.LockedUntil != nil {
		if err := s.accounts.UpdateLockout(ctx, account.AccountID, 0, nil); err != nil {
			util.Warn("Failed to clear lockout mirror",
				zap.String("account_id", account.AccountID),
				zap.Error(err))
		}
	}
}

func loginKey(accountID string) string {
	return "login:" + accountID
}
