package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

// Recovery codes avoid 0/O, 1/I/L so users can read them back over the phone.
const recoveryCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	emailOtpDigits = 6
	qrCodeSize     = 256
)

// TotpSetup is handed to the client at enrollment start. The secret never
// appears again after this response.
type TotpSetup struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
	QRCodePNG  []byte `json:"qr_code_png"`
}

// MfaService drives second-factor enrollment and verification. All attempts
// run through one shared per-account limiter regardless of method, so an
// attacker cannot multiply their guess budget by switching methods.
type MfaService struct {
	config        *config.Config
	mfaRepo       scylla.MfaRepository
	accounts      scylla.AccountRepository
	verifications scylla.VerificationRepository
	otpCache      *redisrepo.OtpCache
	setupCache    *redisrepo.SetupCache
	rateCache     *redisrepo.RateLimitCache
	hasher        *hashing.Hasher
	encryption    *encryption.Manager
	audit         *AuditService
	notifier      *NotificationService
}

func NewMfaService(
	mfaRepo scylla.MfaRepository,
	accounts scylla.AccountRepository,
	verifications scylla.VerificationRepository,
	otpCache *redisrepo.OtpCache,
	setupCache *redisrepo.SetupCache,
	rateCache *redisrepo.RateLimitCache,
	hasher *hashing.Hasher,
	encryptionManager *encryption.Manager,
	audit *AuditService,
	notifier *NotificationService,
	cfg *config.Config,
) *MfaService {
	return &MfaService{
		config:        cfg,
		mfaRepo:       mfaRepo,
		accounts:      accounts,
		verifications: verifications,
		otpCache:      otpCache,
		setupCache:    setupCache,
		rateCache:     rateCache,
		hasher:        hasher,
		encryption:    encryptionManager,
		audit:         audit,
		notifier:      notifier,
	}
}

// StartTotpSetup generates a secret and parks it, encrypted, in the setup
// cache. Nothing durable changes until the user confirms with a valid code.
func (s *MfaService) StartTotpSetup(ctx context.Context, account *models.Account) (*TotpSetup, error) {
	if account.MfaEnabled {
		return nil, ErrMfaAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Mfa.TotpIssuer,
		AccountName: account.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	encrypted, err := s.encryption.EncryptString(ctx, key.Secret())
	if err != nil {
		return nil, err
	}
	if err := s.setupCache.SetPendingSecret(ctx, account.AccountID, encrypted, s.config.Mfa.SetupTTL); err != nil {
		return nil, ErrInfrastructure
	}

	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	s.audit.RecordEvent(ctx, models.EventMfaSetupStarted, account.AccountID, "", "", nil)

	return &TotpSetup{
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
		QRCodePNG:  buf.Bytes(),
	}, nil
}

// ConfirmTotpSetup proves the user enrolled the secret, then persists the MFA
// config and the first recovery-code generation. The plaintext codes in the
// return value are shown once and never recoverable.
func (s *MfaService) ConfirmTotpSetup(ctx context.Context, account *models.Account, code string) ([]string, error) {
	if account.MfaEnabled {
		return nil, ErrMfaAlreadyEnabled
	}

	encrypted, err := s.setupCache.GetPendingSecret(ctx, account.AccountID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSetupNotFound) {
			return nil, ErrMfaSetupExpired
		}
		return nil, ErrInfrastructure
	}

	secret, err := s.encryption.DecryptString(ctx, encrypted)
	if err != nil {
		return nil, err
	}
	if !s.validateTotp(code, secret) {
		return nil, ErrMfaInvalidCode
	}

	plaintext, codes, err := s.generateRecoveryCodes(account.AccountID)
	if err != nil {
		return nil, err
	}

	cfg := &models.MfaConfig{
		AccountID:       account.AccountID,
		SecretEncrypted: encrypted,
		TotpEnabled:     true,
		EmailOtpEnabled: account.EmailVerified,
		PreferredMethod: string(MethodTotp),
	}
	if err := s.mfaRepo.EnableTotp(ctx, cfg, codes); err != nil {
		return nil, err
	}
	if err := s.accounts.SetMfaEnabled(ctx, account.AccountID, true); err != nil {
		return nil, err
	}

	if err := s.setupCache.DeletePendingSecret(ctx, account.AccountID); err != nil {
		util.Warn("Failed to clear pending MFA setup",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	s.audit.RecordEvent(ctx, models.EventMfaEnabled, account.AccountID, "", "", map[string]string{
		"method": string(MethodTotp),
	})

	return plaintext, nil
}

// SendEmailOtp issues a fresh one-time code. The cache TTL and the durable
// row share the same expiry instant so the two stores can never disagree on
// whether a code is still alive.
func (s *MfaService) SendEmailOtp(ctx context.Context, account *models.Account) error {
	if !account.EmailVerified {
		return ErrMfaNotEnabled
	}

	code, err := generateNumericCode(emailOtpDigits)
	if err != nil {
		return err
	}
	codeHash, err := s.hasher.HashOTP(code)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.config.Mfa.EmailOtpTTL)

	if err := s.otpCache.SetCode(ctx, account.AccountID, codeHash, time.Until(expiresAt)); err != nil {
		return ErrInfrastructure
	}
	if err := s.verifications.Create(ctx, &models.VerificationCode{
		AccountID: account.AccountID,
		CodeID:    uuid.New().String(),
		CodeHash:  codeHash,
		CodeType:  models.VerificationTypeEmailOtp,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	// The code is issued at this point; a lost mail is retried by the user,
	// not surfaced as a failure
	if err := s.notifier.SendOtpEmail(ctx, account.Email, code, s.config.Mfa.EmailOtpTTL); err != nil {
		util.Warn("Failed to enqueue OTP email",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}
	return nil
}

// Verify checks one second-factor attempt. Throttling happens before any
// secret is consulted and every failure counts, whatever the method.
func (s *MfaService) Verify(ctx context.Context, account *models.Account, method MfaMethod, code, ip string) error {
	cfg, err := s.mfaRepo.GetConfig(ctx, account.AccountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrMfaNotEnabled
		}
		return err
	}

	if err := s.checkThrottle(ctx, account.AccountID); err != nil {
		return err
	}

	var ok bool
	switch method {
	case MethodTotp:
		ok, err = s.verifyTotp(ctx, cfg, code)
	case MethodEmailOtp:
		ok, err = s.verifyEmailOtp(ctx, cfg, account.AccountID, code)
	case MethodRecovery:
		ok, err = s.verifyRecoveryCode(ctx, account.AccountID, code, ip)
	default:
		return fmt.Errorf("%w: unknown method %q", ErrMfaInvalidCode, method)
	}
	if err != nil {
		return err
	}

	s.recordAttempt(ctx, account.AccountID, method, ok, ip)

	if !ok {
		return s.registerFailure(ctx, account.AccountID, method, ip)
	}

	if err := s.rateCache.ResetMfaFailures(ctx, account.AccountID); err != nil {
		util.Warn("Failed to reset MFA failure counter",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}
	return nil
}

// Disable turns MFA off after one last successful verification.
func (s *MfaService) Disable(ctx context.Context, account *models.Account, method MfaMethod, code string) error {
	if !account.MfaEnabled {
		return ErrMfaNotEnabled
	}
	if err := s.Verify(ctx, account, method, code, ""); err != nil {
		return err
	}

	if err := s.mfaRepo.DisableTotp(ctx, account.AccountID); err != nil {
		return err
	}
	if err := s.accounts.SetMfaEnabled(ctx, account.AccountID, false); err != nil {
		return err
	}

	s.audit.RecordEvent(ctx, models.EventMfaDisabled, account.AccountID, "", "", nil)
	return nil
}

// RegenerateRecoveryCodes replaces the whole generation after a successful
// verification. Old codes die even if unused.
func (s *MfaService) RegenerateRecoveryCodes(ctx context.Context, account *models.Account, method MfaMethod, code string) ([]string, error) {
	if !account.MfaEnabled {
		return nil, ErrMfaNotEnabled
	}
	if err := s.Verify(ctx, account, method, code, ""); err != nil {
		return nil, err
	}

	plaintext, codes, err := s.generateRecoveryCodes(account.AccountID)
	if err != nil {
		return nil, err
	}
	if err := s.mfaRepo.ReplaceRecoveryCodes(ctx, account.AccountID, codes); err != nil {
		return nil, err
	}

	s.audit.RecordEvent(ctx, models.EventRecoveryRegenerate, account.AccountID, "", "", nil)
	return plaintext, nil
}

// AvailableMethods reports which second factors the account can complete.
func (s *MfaService) AvailableMethods(ctx context.Context, accountID string) ([]MfaMethod, error) {
	cfg, err := s.mfaRepo.GetConfig(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var methods []MfaMethod
	if cfg.TotpEnabled {
		methods = append(methods, MethodTotp, MethodRecovery)
	}
	if cfg.EmailOtpEnabled {
		methods = append(methods, MethodEmailOtp)
	}
	return methods, nil
}

// checkThrottle enforces the shared attempt limit. When Redis cannot answer,
// the audit trail is the fallback; if that fails too the attempt is denied.
func (s *MfaService) checkThrottle(ctx context.Context, accountID string) error {
	locked, err := s.rateCache.IsLocked(ctx, mfaKey(accountID))
	if err == nil && locked {
		retryAfter, ttlErr := s.rateCache.LockTTL(ctx, mfaKey(accountID))
		if ttlErr != nil || retryAfter == 0 {
			retryAfter = s.config.Mfa.LockoutDuration
		}
		return &MfaRateLimitedError{RetryAfter: retryAfter}
	}
	if err == nil {
		return nil
	}

	util.Warn("MFA limiter cache unavailable, falling back to audit trail",
		zap.String("account_id", accountID),
		zap.Error(err))

	count, auditErr := s.audit.CountRecentMfaFailures(ctx, accountID, s.config.Mfa.LockoutDuration)
	if auditErr != nil {
		util.Error("MFA limiter fallback unavailable",
			zap.String("account_id", accountID),
			zap.Error(auditErr))
		return ErrInfrastructure
	}
	if count >= s.config.Mfa.MaxAttempts {
		return &MfaRateLimitedError{RetryAfter: s.config.Mfa.LockoutDuration}
	}
	return nil
}

func (s *MfaService) registerFailure(ctx context.Context, accountID string, method MfaMethod, ip string) error {
	count, err := s.rateCache.IncrementMfaFailures(ctx, accountID, s.config.Mfa.LockoutDuration)
	if err != nil {
		util.Error("Failed to count MFA failure",
			zap.String("account_id", accountID),
			zap.Error(err))
		return ErrInfrastructure
	}

	s.audit.RecordEvent(ctx, models.EventMfaVerifyFailed, accountID, ip, "", map[string]string{
		"method": string(method),
	})

	if count >= s.config.Mfa.MaxAttempts {
		if err := s.rateCache.SetTemporaryLock(ctx, mfaKey(accountID), s.config.Mfa.LockoutDuration); err != nil {
			return ErrInfrastructure
		}
		s.audit.RecordEvent(ctx, models.EventMfaRateLimited, accountID, ip, "", nil)
		return &MfaRateLimitedError{RetryAfter: s.config.Mfa.LockoutDuration}
	}
	return ErrMfaInvalidCode
}

func (s *MfaService) verifyTotp(ctx context.Context, cfg *models.MfaConfig, code string) (bool, error) {
	if !cfg.TotpEnabled {
		return false, ErrMfaNotEnabled
	}
	secret, err := s.encryption.DecryptString(ctx, cfg.SecretEncrypted)
	if err != nil {
		return false, err
	}
	return s.validateTotp(code, secret), nil
}

// verifyEmailOtp matches the code against the cache, falling back to the
// durable row when the cache has lost it. A matching code is consumed in both
// stores before the success is reported.
func (s *MfaService) verifyEmailOtp(ctx context.Context, cfg *models.MfaConfig, accountID, code string) (bool, error) {
	if !cfg.EmailOtpEnabled {
		return false, ErrMfaNotEnabled
	}

	now := time.Now().UTC()

	codeHash, err := s.otpCache.GetCode(ctx, accountID)
	if err != nil && !errors.Is(err, redisrepo.ErrCodeNotFound) {
		return false, ErrInfrastructure
	}
	if err == nil {
		ok, verr := s.hasher.VerifyOTP(code, codeHash)
		if verr != nil {
			return false, verr
		}
		if ok {
			s.consumeEmailOtp(ctx, accountID, now)
		}
		return ok, nil
	}

	row, err := s.verifications.GetActive(ctx, accountID, models.VerificationTypeEmailOtp, now)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, err := s.hasher.VerifyOTP(code, row.CodeHash)
	if err != nil {
		return false, err
	}
	if ok {
		if err := s.verifications.MarkUsed(ctx, accountID, models.VerificationTypeEmailOtp, row.CodeID, now); err != nil {
			util.Warn("Failed to consume email OTP row",
				zap.String("account_id", accountID),
				zap.Error(err))
		}
	}
	return ok, nil
}

func (s *MfaService) consumeEmailOtp(ctx context.Context, accountID string, now time.Time) {
	if err := s.otpCache.DeleteCode(ctx, accountID); err != nil {
		util.Warn("Failed to consume email OTP",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
	row, err := s.verifications.GetActive(ctx, accountID, models.VerificationTypeEmailOtp, now)
	if err != nil {
		return
	}
	if err := s.verifications.MarkUsed(ctx, accountID, models.VerificationTypeEmailOtp, row.CodeID, now); err != nil {
		util.Warn("Failed to consume email OTP row",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
}

// verifyRecoveryCode burns the matching code permanently. Each code works
// exactly once.
func (s *MfaService) verifyRecoveryCode(ctx context.Context, accountID, code, ip string) (bool, error) {
	code = canonicalRecoveryCode(code)
	codes, err := s.mfaRepo.ListRecoveryCodes(ctx, accountID)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	remaining := 0
	var matched *models.RecoveryCode
	for _, rc := range codes {
		if rc.UsedAt != nil {
			continue
		}
		remaining++
		if matched != nil {
			continue
		}
		ok, verr := s.hasher.VerifyRecoveryCode(code, rc.CodeHash)
		if verr != nil {
			return false, verr
		}
		if ok {
			matched = rc
		}
	}
	if matched == nil {
		return false, nil
	}

	if err := s.mfaRepo.MarkRecoveryCodeUsed(ctx, accountID, matched.CodeHash, now); err != nil {
		return false, err
	}

	s.audit.RecordEvent(ctx, models.EventRecoveryCodeUsed, accountID, ip, "", map[string]string{
		"remaining": fmt.Sprintf("%d", remaining-1),
	})
	return true, nil
}

func (s *MfaService) validateTotp(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *MfaService) recordAttempt(ctx context.Context, accountID string, method MfaMethod, success bool, ip string) {
	err := s.audit.RecordMfaAttempt(ctx, &models.MfaAttempt{
		AccountID:   accountID,
		Method:      string(method),
		Success:     success,
		IPAddress:   ip,
		AttemptedAt: time.Now().UTC(),
	})
	if err != nil {
		util.Warn("Failed to record MFA attempt",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
}

func (s *MfaService) generateRecoveryCodes(accountID string) ([]string, []*models.RecoveryCode, error) {
	count := s.config.Mfa.RecoveryCodeCount
	plaintext := make([]string, 0, count)
	codes := make([]*models.RecoveryCode, 0, count)

	for i := 0; i < count; i++ {
		code, err := generateRecoveryCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := s.hasher.HashRecoveryCode(code)
		if err != nil {
			return nil, nil, err
		}
		plaintext = append(plaintext, code)
		codes = append(codes, &models.RecoveryCode{
			AccountID: accountID,
			CodeHash:  hash,
		})
	}
	return plaintext, codes, nil
}

// canonicalRecoveryCode forgives the formatting users type: lower case, a
// missing dash, surrounding whitespace.
func canonicalRecoveryCode(code string) string {
	code = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	if len(code) != 8 {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// generateRecoveryCode returns codes like "K7MP-W3XQ".
func generateRecoveryCode() (string, error) {
	chars := make([]byte, 9)
	for i := range chars {
		if i == 4 {
			chars[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(recoveryCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate recovery code: %w", err)
		}
		chars[i] = recoveryCodeAlphabet[n.Int64()]
	}
	return string(chars), nil
}

func generateNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func mfaKey(accountID string) string {
	return "mfa:" + accountID
}
