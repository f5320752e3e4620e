package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

// LoginInput carries one password attempt. MfaMethod and MfaCode are
// optional; when supplied the second factor is verified in the same call
// instead of handing back a ticket.
type LoginInput struct {
	Email     string
	Password  string
	MfaMethod string
	MfaCode   string
	IPAddress string
	UserAgent string
}

// LoginResult is the outcome of a successful password check. When the account
// has MFA enabled no tokens are issued; the caller must finish the login with
// CompleteMfaLogin using the ticket.
type LoginResult struct {
	Account     *models.Account
	Session     *models.Session
	Tokens      *TokenPair
	RequiresMfa bool
	MfaTicket   string
	MfaMethods  []MfaMethod
}

// AuthService is the front door: it sequences the fraud, lockout, credential
// and MFA checks and owns session establishment. Guard checks run before the
// password so a blocked caller learns nothing about the account.
type AuthService struct {
	config        *config.Config
	credentials   *CredentialService
	lockout       *LockoutService
	fraud         *FraudService
	mfa           *MfaService
	tokens        *TokenService
	sessions      *SessionService
	audit         *AuditService
	notifier      *NotificationService
	verifications scylla.VerificationRepository
	accounts      scylla.AccountRepository
	hasher        *hashing.Hasher
}

func NewAuthService(
	credentials *CredentialService,
	lockout *LockoutService,
	fraud *FraudService,
	mfa *MfaService,
	tokens *TokenService,
	sessions *SessionService,
	audit *AuditService,
	notifier *NotificationService,
	verifications scylla.VerificationRepository,
	accounts scylla.AccountRepository,
	hasher *hashing.Hasher,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		config:        cfg,
		credentials:   credentials,
		lockout:       lockout,
		fraud:         fraud,
		mfa:           mfa,
		tokens:        tokens,
		sessions:      sessions,
		audit:         audit,
		notifier:      notifier,
		verifications: verifications,
		accounts:      accounts,
		hasher:        hasher,
	}
}

// Register creates a pending account, mails the address-confirmation code and
// signs the caller straight in. Pending accounts may authenticate; only the
// email-OTP second factor waits for the address to be confirmed.
func (s *AuthService) Register(ctx context.Context, email, password, ip, userAgent string) (*LoginResult, error) {
	account, err := s.credentials.Register(ctx, email, password)
	if err != nil {
		return nil, err
	}

	if err := s.sendEmailVerification(ctx, account); err != nil {
		util.Warn("Failed to send verification email",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	s.audit.RecordEvent(ctx, models.EventAccountRegistered, account.AccountID, ip, "", nil)

	return s.establishSession(ctx, account, util.NormalizeIP(ip), userAgent)
}

// VerifyEmail confirms the address and activates the account.
func (s *AuthService) VerifyEmail(ctx context.Context, email, code string) error {
	account, err := s.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrVerificationInvalid
		}
		return err
	}
	if account.EmailVerified {
		return nil
	}

	now := time.Now().UTC()
	row, err := s.verifications.GetActive(ctx, account.AccountID, models.VerificationTypeEmailVerify, now)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrVerificationInvalid
		}
		return err
	}

	ok, err := s.hasher.VerifyOTP(code, row.CodeHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerificationInvalid
	}

	if err := s.verifications.MarkUsed(ctx, account.AccountID, models.VerificationTypeEmailVerify, row.CodeID, now); err != nil {
		return err
	}
	return s.accounts.MarkEmailVerified(ctx, account.AccountID)
}

// ResendEmailVerification issues a fresh confirmation code, superseding any
// earlier one.
func (s *AuthService) ResendEmailVerification(ctx context.Context, email string) error {
	account, err := s.credentials.GetByEmail(ctx, email)
	if err != nil {
		// Don't reveal whether the address is registered
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}
	if account.EmailVerified {
		return nil
	}
	return s.sendEmailVerification(ctx, account)
}

// Login runs the full password step. Order matters: IP block, account
// lookup, lockout, status, then the hash check. Unknown email burns the same
// hashing time as a real account so the two are indistinguishable.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	ip := util.NormalizeIP(input.IPAddress)

	if err := s.fraud.CheckBlocked(ctx, ip); err != nil {
		if errors.Is(err, ErrIpBlocked) {
			s.audit.RecordEvent(ctx, models.EventLoginIpBlocked, "", ip, "", nil)
		}
		return nil, err
	}

	account, err := s.credentials.GetByEmail(ctx, input.Email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, s.failUnknownEmail(ctx, input.Email, ip)
		}
		return nil, err
	}

	if err := s.lockout.CheckLocked(ctx, account); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			s.audit.RecordEvent(ctx, models.EventLoginLocked, account.AccountID, ip, "", nil)
		}
		return nil, err
	}

	if !account.CanAuthenticate() {
		s.audit.RecordEvent(ctx, models.EventLoginStatusDenied, account.AccountID, ip, "", map[string]string{
			"status": account.Status,
		})
		return nil, ErrAccountInactive
	}

	ok, err := s.credentials.VerifyPassword(account, input.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.failWrongPassword(ctx, account, ip)
	}

	s.lockout.RecordSuccess(ctx, account)

	if account.MfaEnabled {
		if input.MfaCode != "" {
			method, err := ParseMfaMethod(input.MfaMethod)
			if err != nil {
				return nil, err
			}
			if err := s.mfa.Verify(ctx, account, method, input.MfaCode, ip); err != nil {
				return nil, err
			}
			s.clearFraud(ctx, ip)
			return s.establishSession(ctx, account, ip, input.UserAgent)
		}

		methods, err := s.mfa.AvailableMethods(ctx, account.AccountID)
		if err != nil {
			return nil, err
		}
		ticket, err := s.tokens.IssueMfaTicket(account)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			Account:     account,
			RequiresMfa: true,
			MfaTicket:   ticket,
			MfaMethods:  methods,
		}, nil
	}

	s.clearFraud(ctx, ip)
	return s.establishSession(ctx, account, ip, input.UserAgent)
}

// CompleteMfaLogin finishes a login that stopped at the MFA gate.
func (s *AuthService) CompleteMfaLogin(ctx context.Context, ticket, method, code, ip, userAgent string) (*LoginResult, error) {
	claims, err := s.tokens.VerifyMfaTicket(ticket)
	if err != nil {
		return nil, err
	}

	account, err := s.credentials.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !account.CanAuthenticate() {
		return nil, ErrAccountInactive
	}

	mfaMethod, err := ParseMfaMethod(method)
	if err != nil {
		return nil, err
	}

	normalizedIP := util.NormalizeIP(ip)
	if err := s.mfa.Verify(ctx, account, mfaMethod, code, normalizedIP); err != nil {
		return nil, err
	}

	s.clearFraud(ctx, normalizedIP)
	return s.establishSession(ctx, account, normalizedIP, userAgent)
}

// Refresh rotates a refresh token. A reused token ends the session it was
// bound to.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	account, err := s.credentials.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !account.CanAuthenticate() {
		return nil, ErrAccountInactive
	}

	pair, err := s.tokens.Rotate(ctx, account, claims)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			s.audit.RecordEvent(ctx, models.EventTokenReuseDetected, account.AccountID, "", claims.SessionID, map[string]string{
				"family_id": claims.FamilyID,
			})
			if claims.SessionID != "" {
				if revokeErr := s.sessions.Revoke(ctx, account.AccountID, claims.SessionID); revokeErr != nil &&
					!errors.Is(revokeErr, ErrSessionNotFound) {
					util.Warn("Failed to revoke session after token reuse",
						zap.String("session_id", claims.SessionID),
						zap.Error(revokeErr))
				}
			}
		}
		return nil, err
	}

	s.sessions.Touch(ctx, account.AccountID, claims.SessionID)
	s.audit.RecordEvent(ctx, models.EventTokenRotated, account.AccountID, "", claims.SessionID, nil)
	return pair, nil
}

// Account loads the account behind an authenticated request.
func (s *AuthService) Account(ctx context.Context, accountID string) (*models.Account, error) {
	return s.credentials.GetByID(ctx, accountID)
}

// VerifyAccess validates an access token for resource servers.
func (s *AuthService) VerifyAccess(ctx context.Context, accessToken string) (*TokenClaims, error) {
	return s.tokens.VerifyAccess(ctx, accessToken)
}

// Logout revokes the calling session.
func (s *AuthService) Logout(ctx context.Context, accountID, sessionID string) error {
	if err := s.sessions.Revoke(ctx, accountID, sessionID); err != nil {
		return err
	}
	s.audit.RecordEvent(ctx, models.EventLogout, accountID, "", sessionID, nil)
	return nil
}

// ListSessions returns the account's active sessions.
func (s *AuthService) ListSessions(ctx context.Context, accountID string) ([]*models.Session, error) {
	return s.sessions.List(ctx, accountID)
}

// RevokeSession revokes one named session.
func (s *AuthService) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	if err := s.sessions.Revoke(ctx, accountID, sessionID); err != nil {
		return err
	}
	s.audit.RecordEvent(ctx, models.EventSessionRevoked, accountID, "", sessionID, nil)
	return nil
}

// RevokeOtherSessions revokes everything but the calling session.
func (s *AuthService) RevokeOtherSessions(ctx context.Context, accountID, keepSessionID string) (int, error) {
	revoked, err := s.sessions.RevokeAllExcept(ctx, accountID, keepSessionID)
	if err != nil {
		return revoked, err
	}
	if revoked > 0 {
		s.audit.RecordEvent(ctx, models.EventSessionRevoked, accountID, "", keepSessionID, map[string]string{
			"revoked_count": strconv.Itoa(revoked),
		})
	}
	return revoked, nil
}

// clearFraud forgives the source address after it proved a full set of
// credentials. Failures here are not propagated; the login already succeeded.
func (s *AuthService) clearFraud(ctx context.Context, ip string) {
	if err := s.fraud.Clear(ctx, ip); err != nil {
		util.Warn("Failed to clear fraud record",
			zap.String("ip", ip),
			zap.Error(err))
	}
}

func (s *AuthService) failUnknownEmail(ctx context.Context, email, ip string) error {
	// Burn the same hashing time as a real verification
	s.credentials.DummyVerify()

	emailHash := util.EmailHash(util.NormalizeEmail(email))
	if _, err := s.fraud.RecordFailure(ctx, ip, emailHash); err != nil {
		util.Warn("Failed to record fraud failure", zap.Error(err))
	}

	s.audit.RecordEvent(ctx, models.EventLoginUnknownEmail, "", ip, "", nil)
	return ErrInvalidCredentials
}

func (s *AuthService) failWrongPassword(ctx context.Context, account *models.Account, ip string) error {
	locked, retryAfter, err := s.lockout.RecordFailure(ctx, account)
	if err != nil {
		util.Warn("Failed to record login failure",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	if _, err := s.fraud.RecordFailure(ctx, ip, account.AccountID); err != nil {
		util.Warn("Failed to record fraud failure", zap.Error(err))
	}

	s.audit.RecordEvent(ctx, models.EventLoginWrongPassword, account.AccountID, ip, "", nil)

	if locked {
		s.audit.RecordEvent(ctx, models.EventAccountLocked, account.AccountID, ip, "", nil)
		s.notifier.SendLockoutAlert(ctx, account.Email, retryAfter)
		return &AccountLockedError{RetryAfter: retryAfter}
	}
	return ErrInvalidCredentials
}

func (s *AuthService) establishSession(ctx context.Context, account *models.Account, ip, userAgent string) (*LoginResult, error) {
	session, err := s.sessions.Create(ctx, account.AccountID, ip, userAgent)
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.IssuePair(ctx, account, session.SessionID)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.UpdateLastLogin(ctx, account.AccountID, session.CreatedAt); err != nil {
		util.Warn("Failed to stamp last login",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	s.audit.RecordEvent(ctx, models.EventLoginSuccess, account.AccountID, ip, session.SessionID, nil)

	return &LoginResult{
		Account: account,
		Session: session,
		Tokens:  pair,
	}, nil
}

func (s *AuthService) sendEmailVerification(ctx context.Context, account *models.Account) error {
	code, err := generateNumericCode(emailOtpDigits)
	if err != nil {
		return err
	}
	codeHash, err := s.hasher.HashOTP(code)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.verifications.Create(ctx, &models.VerificationCode{
		AccountID: account.AccountID,
		CodeID:    uuid.New().String(),
		CodeHash:  codeHash,
		CodeType:  models.VerificationTypeEmailVerify,
		ExpiresAt: now.Add(s.config.Mfa.EmailOtpTTL),
		CreatedAt: now,
	}); err != nil {
		return err
	}

	return s.notifier.SendVerificationEmail(ctx, account.Email, code, s.config.Mfa.EmailOtpTTL)
}
