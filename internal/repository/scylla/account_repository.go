package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

type accountRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewAccountRepository(client *ScyllaClient, bm *bucketing.BucketingManager) AccountRepository {
	return &accountRepository{
		client:    client,
		bucketing: bm,
	}
}

// Create inserts the account row and claims the email index. The index insert
// is an LWT, so the second of two concurrent registrations for the same email
// loses and the account row for the loser is never written.
func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	if account.AccountID == "" {
		account.AccountID = uuid.New().String()
	}
	account.AccountBucket = r.bucketing.GetAccountBucket(account.AccountID)

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = &now

	applied, err := r.client.Prepared.CreateEmailIndex.
		Bind(account.EmailHash, account.AccountBucket, account.AccountID, now).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to claim email index",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to claim email index: %w", err)
	}
	if !applied {
		return ErrAlreadyExists
	}

	query := r.client.Prepared.CreateAccount.Bind(
		account.AccountBucket, account.AccountID, account.Email, account.EmailHash,
		account.PasswordHash, account.Role, account.Status, account.FailedLoginAttempts,
		account.LockedUntil, account.MfaEnabled, account.EmailVerified,
		account.CreatedAt, account.LastLogin, account.UpdatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create account",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		zap.String("account_id", account.AccountID),
		zap.Int("account_bucket", account.AccountBucket))
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	bucket := r.bucketing.GetAccountBucket(accountID)
	return r.scanAccount(r.client.Prepared.GetAccountByID.Bind(bucket, accountID).WithContext(ctx))
}

// GetByEmailHash resolves the email index first, then reads the account row.
func (r *accountRepository) GetByEmailHash(ctx context.Context, emailHash string) (*models.Account, error) {
	var bucket int
	var accountID string

	query := r.client.Prepared.GetEmailIndex.Bind(emailHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve email index: %w", err)
	}

	return r.scanAccount(r.client.Prepared.GetAccountByID.Bind(bucket, accountID).WithContext(ctx))
}

func (r *accountRepository) scanAccount(query *gocql.Query) (*models.Account, error) {
	account := &models.Account{}
	var lockedUntil, lastLogin, updatedAt time.Time

	err := r.client.ScanWithRetry(query,
		&account.AccountBucket, &account.AccountID, &account.Email, &account.EmailHash,
		&account.PasswordHash, &account.Role, &account.Status, &account.FailedLoginAttempts,
		&lockedUntil, &account.MfaEnabled, &account.EmailVerified,
		&account.CreatedAt, &lastLogin, &updatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get account", zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.LockedUntil = timePtr(lockedUntil)
	account.LastLogin = timePtr(lastLogin)
	account.UpdatedAt = timePtr(updatedAt)
	return account, nil
}

func (r *accountRepository) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	bucket := r.bucketing.GetAccountBucket(accountID)
	query := r.client.Prepared.UpdatePassword.
		Bind(passwordHash, time.Now().UTC(), bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return nil
}

func (r *accountRepository) UpdateLockout(ctx context.Context, accountID string, failedAttempts int, lockedUntil *time.Time) error {
	bucket := r.bucketing.GetAccountBucket(accountID)
	query := r.client.Prepared.UpdateLockout.
		Bind(failedAttempts, lockedUntil, time.Now().UTC(), bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update lockout state",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to update lockout state: %w", err)
	}
	return nil
}

func (r *accountRepository) UpdateStatus(ctx context.Context, accountID, status string) error {
	bucket := r.bucketing.GetAccountBucket(accountID)
	query := r.client.Prepared.UpdateStatus.
		Bind(status, time.Now().UTC(), bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}

	util.Info("Account status updated",
		zap.String("account_id", accountID),
		zap.String("status", status))
	return nil
}

func (r *accountRepository) SetMfaEnabled(ctx context.Context, accountID string, enabled bool) error {
	bucket := r.bucketing.GetAccountBucket(accountID)
	query := r.client.Prepared.SetMfaEnabled.
		Bind(enabled, time.Now().UTC(), bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update mfa flag: %w", err)
	}
	return nil
}

func (r *accountRepository) MarkEmailVerified(ctx context.Context, accountID string) error {
	bucket := r.bucketing.GetAccountBucket(accountID)
	query := r.client.Prepared.MarkEmailVerified.
		Bind(models.AccountStatusActive, time.Now().UTC(), bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return nil
}

func (r *accountRepository) UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error {
	bucket := r.bucketing.GetAccountBucket(accountID)
	query := r.client.Prepared.UpdateLastLogin.
		Bind(at, bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// timePtr maps Cassandra's null timestamp (zero value) back to nil.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
