package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// FraudService watches failed logins per source IP. An address trips the
// block either by raw failure volume or by probing too many distinct
// accounts, which catches slow credential-stuffing that stays under the
// per-account lockout.
type FraudService struct {
	cache  *redisrepo.FraudCache
	config *config.Config
}

func NewFraudService(cache *redisrepo.FraudCache, cfg *config.Config) *FraudService {
	return &FraudService{
		cache:  cache,
		config: cfg,
	}
}

// CheckBlocked rejects requests from blocked addresses. A cache error denies
// the request rather than skipping the check.
func (s *FraudService) CheckBlocked(ctx context.Context, ip string) error {
	blocked, err := s.cache.IsBlocked(ctx, ip)
	if err != nil {
		util.Error("Fraud check unavailable",
			zap.String("ip", ip),
			zap.Error(err))
		return ErrInfrastructure
	}
	if blocked {
		return ErrIpBlocked
	}
	return nil
}

// RecordFailure registers a failed attempt and blocks the address once either
// threshold trips. accountKey is the account id, or the email hash when the
// email resolved to no account, so unknown-email probing still counts toward
// the distinct-target threshold.
func (s *FraudService) RecordFailure(ctx context.Context, ip, accountKey string) (blocked bool, err error) {
	failures, accounts, err := s.cache.RecordFailure(ctx, ip, accountKey, s.config.Fraud.Window)
	if err != nil {
		return false, err
	}

	if failures < s.config.Fraud.MaxFailedAttempts && accounts < s.config.Fraud.SuspiciousAccounts {
		return false, nil
	}

	if err := s.cache.Block(ctx, ip, s.config.Fraud.BlockDuration); err != nil {
		return false, err
	}

	util.Warn("Source address blocked",
		zap.String("ip", ip),
		zap.Int("failures", failures),
		zap.Int("distinct_accounts", accounts))
	return true, nil
}

// BlockTTL reports the remaining block window for an address.
func (s *FraudService) BlockTTL(ctx context.Context, ip string) (time.Duration, error) {
	return s.cache.BlockTTL(ctx, ip)
}

// Clear removes fraud state for an address after an operator review.
func (s *FraudService) Clear(ctx context.Context, ip string) error {
	return s.cache.Clear(ctx, ip)
}
