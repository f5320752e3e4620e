package service

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128

	defaultRole = "user"
)

// CredentialService owns account rows and password verification. It never
// reveals whether a lookup missed or a password mismatched; both collapse to
// ErrInvalidCredentials at the orchestrator.
type CredentialService struct {
	accounts scylla.AccountRepository
	hasher   *hashing.Hasher
	config   *config.Config
}

func NewCredentialService(accounts scylla.AccountRepository, hasher *hashing.Hasher, cfg *config.Config) *CredentialService {
	return &CredentialService{
		accounts: accounts,
		hasher:   hasher,
		config:   cfg,
	}
}

// Register creates a pending account. The email index claim makes duplicate
// registration race-safe.
func (s *CredentialService) Register(ctx context.Context, email, password string) (*models.Account, error) {
	normalized := util.NormalizeEmail(email)
	if !util.ValidEmail(normalized) {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidCredentials)
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		Email:        normalized,
		EmailHash:    util.EmailHash(normalized),
		PasswordHash: passwordHash,
		Role:         defaultRole,
		Status:       models.AccountStatusPending,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, scylla.ErrAlreadyExists) {
			return nil, ErrEmailAlreadyRegistered
		}
		return nil, err
	}

	return account, nil
}

// GetByEmail resolves an account through the email index.
func (s *CredentialService) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	normalized := util.NormalizeEmail(email)
	account, err := s.accounts.GetByEmailHash(ctx, util.EmailHash(normalized))
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (s *CredentialService) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// VerifyPassword checks the password against the stored hash.
func (s *CredentialService) VerifyPassword(account *models.Account, password string) (bool, error) {
	ok, err := s.hasher.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		util.Error("Password hash verification errored",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return false, err
	}
	return ok, nil
}

// DummyVerify burns hash-equivalent time for unknown-email attempts.
func (s *CredentialService) DummyVerify() {
	s.hasher.DummyVerify()
}

// ChangePassword rotates the password after re-verifying the current one.
func (s *CredentialService) ChangePassword(ctx context.Context, account *models.Account, current, next string) error {
	ok, err := s.VerifyPassword(account, current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if err := validatePassword(next); err != nil {
		return err
	}

	nextHash, err := s.hasher.HashPassword(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.accounts.UpdatePasswordHash(ctx, account.AccountID, nextHash); err != nil {
		return err
	}

	util.Info("Password changed", zap.String("account_id", account.AccountID))
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidCredentials, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d characters", ErrInvalidCredentials, maxPasswordLength)
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("%w: password must contain an upper case letter, a lower case letter and a digit", ErrInvalidCredentials)
	}
	return nil
}
