package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
)

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

// invalidTotpCode returns a six-digit code that does not validate for the
// secret in any accepted window.
func invalidTotpCode(secret string) string {
	candidates := []string{"000000", "111111", "222222", "333333"}
	for _, code := range candidates {
		ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !ok {
			return code
		}
	}
	return candidates[0]
}

func enrollTotp(t *testing.T, env *testEnv, account *models.Account) (string, []string, *models.Account) {
	t.Helper()
	ctx := context.Background()

	setup, err := env.mfa.StartTotpSetup(ctx, account)
	require.NoError(t, err)

	codes, err := env.mfa.ConfirmTotpSetup(ctx, account, totpCode(t, setup.Secret))
	require.NoError(t, err)

	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)
	return setup.Secret, codes, updated
}

func TestTotpEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	setup, err := env.mfa.StartTotpSetup(ctx, account)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.OtpauthURL, "otpauth://totp/")
	assert.NotEmpty(t, setup.QRCodePNG)

	codes, err := env.mfa.ConfirmTotpSetup(ctx, account, totpCode(t, setup.Secret))
	require.NoError(t, err)

	require.Len(t, codes, env.cfg.Mfa.RecoveryCodeCount)
	for _, code := range codes {
		assert.Len(t, code, 9)
		assert.Equal(t, byte('-'), code[4])
	}

	cfg, err := env.mfaRepo.GetConfig(ctx, account.AccountID)
	require.NoError(t, err)
	assert.True(t, cfg.TotpEnabled)
	assert.True(t, cfg.EmailOtpEnabled)
	assert.Equal(t, string(MethodTotp), cfg.PreferredMethod)

	// The stored secret is encrypted, not plaintext
	assert.NotEqual(t, setup.Secret, cfg.SecretEncrypted)
	decrypted, err := env.encryption.DecryptString(ctx, cfg.SecretEncrypted)
	require.NoError(t, err)
	assert.Equal(t, setup.Secret, decrypted)

	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)
	assert.True(t, updated.MfaEnabled)

	// The pending secret was consumed
	_, err = env.setupCache.GetPendingSecret(ctx, account.AccountID)
	assert.ErrorIs(t, err, redisrepo.ErrSetupNotFound)
}

func TestTotpEnrollmentWrongCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	setup, err := env.mfa.StartTotpSetup(ctx, account)
	require.NoError(t, err)

	_, err = env.mfa.ConfirmTotpSetup(ctx, account, invalidTotpCode(setup.Secret))
	assert.ErrorIs(t, err, ErrMfaInvalidCode)

	// Nothing durable changed
	_, err = env.mfaRepo.GetConfig(ctx, account.AccountID)
	assert.Error(t, err)
}

func TestTotpEnrollmentWindowExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	setup, err := env.mfa.StartTotpSetup(ctx, account)
	require.NoError(t, err)

	env.mr.FastForward(env.cfg.Mfa.SetupTTL + time.Minute)

	_, err = env.mfa.ConfirmTotpSetup(ctx, account, totpCode(t, setup.Secret))
	assert.ErrorIs(t, err, ErrMfaSetupExpired)
}

func TestStartTotpSetupAlreadyEnabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	_, _, account = enrollTotp(t, env, account)

	_, err := env.mfa.StartTotpSetup(ctx, account)
	assert.ErrorIs(t, err, ErrMfaAlreadyEnabled)
}

func TestConfirmWithoutPendingSetup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	_, err := env.mfa.ConfirmTotpSetup(ctx, account, "123456")
	assert.ErrorIs(t, err, ErrMfaSetupExpired)
}

func TestVerifyTotp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	secret, _, account := enrollTotp(t, env, account)

	// One failure, then success clears the counter
	err := env.mfa.Verify(ctx, account, MethodTotp, invalidTotpCode(secret), "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaInvalidCode)

	count, err := env.rateCache.GetMfaFailures(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, env.mfa.Verify(ctx, account, MethodTotp, totpCode(t, secret), "192.0.2.1"))

	count, err = env.rateCache.GetMfaFailures(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestVerifyWithoutConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	err := env.mfa.Verify(ctx, account, MethodTotp, "123456", "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaNotEnabled)
}

func TestMfaRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	secret, _, account := enrollTotp(t, env, account)

	wrong := invalidTotpCode(secret)
	for i := 0; i < 2; i++ {
		err := env.mfa.Verify(ctx, account, MethodTotp, wrong, "192.0.2.1")
		assert.ErrorIs(t, err, ErrMfaInvalidCode)
	}

	// The limit-hitting attempt reports the throttle, not a bad code
	err := env.mfa.Verify(ctx, account, MethodTotp, wrong, "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaRateLimited)

	// Even a correct code is refused while throttled
	err = env.mfa.Verify(ctx, account, MethodTotp, totpCode(t, secret), "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaRateLimited)

	// Methods share one budget: recovery attempts are throttled too
	err = env.mfa.Verify(ctx, account, MethodRecovery, "K7MP-W3XQ", "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaRateLimited)

	env.mr.FastForward(env.cfg.Mfa.LockoutDuration + time.Minute)

	require.NoError(t, env.mfa.Verify(ctx, account, MethodTotp, totpCode(t, secret), "192.0.2.1"))
}

func TestMfaLimiterFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	secret, _, account := enrollTotp(t, env, account)

	// Redis gone and no audit store to fall back to: deny
	env.mr.Close()

	err := env.mfa.Verify(ctx, account, MethodTotp, totpCode(t, secret), "192.0.2.1")
	assert.ErrorIs(t, err, ErrInfrastructure)
}

func TestRecoveryCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	_, codes, account := enrollTotp(t, env, account)

	require.NoError(t, env.mfa.Verify(ctx, account, MethodRecovery, codes[0], "192.0.2.1"))

	// The same code never works twice
	err := env.mfa.Verify(ctx, account, MethodRecovery, codes[0], "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaInvalidCode)

	// The rest of the generation is unaffected
	require.NoError(t, env.mfa.Verify(ctx, account, MethodRecovery, codes[1], "192.0.2.1"))
}

func TestRecoveryCodeInputNormalized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	_, codes, account := enrollTotp(t, env, account)

	// Lower case is forgiven
	require.NoError(t, env.mfa.Verify(ctx, account, MethodRecovery, strings.ToLower(codes[0]), "192.0.2.1"))

	// So is a missing dash
	require.NoError(t, env.mfa.Verify(ctx, account, MethodRecovery, strings.ReplaceAll(codes[1], "-", ""), "192.0.2.1"))

	// And surrounding whitespace
	require.NoError(t, env.mfa.Verify(ctx, account, MethodRecovery, " "+codes[2]+" ", "192.0.2.1"))
}

func TestRecoveryCodeGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Mfa.RecoveryCodeCount = 10
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	_, codes, _ := enrollTotp(t, env, account)

	require.Len(t, codes, 10)

	// Four-and-four from the unambiguous alphabet
	format := regexp.MustCompile(`^[A-HJKMNP-Z2-9]{4}-[A-HJKMNP-Z2-9]{4}$`)
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		assert.Regexp(t, format, code)
		for _, ambiguous := range []string{"0", "1", "I", "L", "O"} {
			assert.NotContains(t, code, ambiguous)
		}
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, len(codes))
}

func plantEmailOtp(t *testing.T, env *testEnv, accountID, code string) {
	t.Helper()
	ctx := context.Background()

	codeHash, err := env.hasher.HashOTP(code)
	require.NoError(t, err)

	now := time.Now().UTC()
	expiresAt := now.Add(env.cfg.Mfa.EmailOtpTTL)
	require.NoError(t, env.otpCache.SetCode(ctx, accountID, codeHash, time.Until(expiresAt)))
	require.NoError(t, env.verifications.Create(ctx, &models.VerificationCode{
		AccountID: accountID,
		CodeID:    uuid.New().String(),
		CodeHash:  codeHash,
		CodeType:  models.VerificationTypeEmailOtp,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}))
}

func TestVerifyEmailOtp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	_, _, account = enrollTotp(t, env, account)

	plantEmailOtp(t, env, account.AccountID, "123456")

	err := env.mfa.Verify(ctx, account, MethodEmailOtp, "654321", "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaInvalidCode)

	require.NoError(t, env.mfa.Verify(ctx, account, MethodEmailOtp, "123456", "192.0.2.1"))

	// Consumed in both stores: a replay fails
	err = env.mfa.Verify(ctx, account, MethodEmailOtp, "123456", "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaInvalidCode)
}

func TestVerifyEmailOtpDurableFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	_, _, account = enrollTotp(t, env, account)

	plantEmailOtp(t, env, account.AccountID, "123456")

	// The cache lost the code; the durable row still answers
	require.NoError(t, env.otpCache.DeleteCode(ctx, account.AccountID))

	require.NoError(t, env.mfa.Verify(ctx, account, MethodEmailOtp, "123456", "192.0.2.1"))

	// The row was consumed by the fallback path too
	err := env.mfa.Verify(ctx, account, MethodEmailOtp, "123456", "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaInvalidCode)
}

func TestSendEmailOtp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	require.NoError(t, env.mfa.SendEmailOtp(ctx, account))

	// Hash landed in both the cache and the durable row
	cached, err := env.otpCache.GetCode(ctx, account.AccountID)
	require.NoError(t, err)
	assert.NotEmpty(t, cached)

	row, err := env.verifications.GetActive(ctx, account.AccountID, models.VerificationTypeEmailOtp, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, cached, row.CodeHash)
}

type failingEmailProducer struct{}

func (failingEmailProducer) ProduceMessage(context.Context, string, []byte, []byte, map[string]string) error {
	return errors.New("broker unreachable")
}

func TestSendEmailOtpSurvivesNotifierFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	audit := NewAuditService(nil, nil, nil, bucketing.NewBucketingManager(env.cfg), env.cfg)
	notifier := NewNotificationService(failingEmailProducer{}, env.cfg)
	mfa := NewMfaService(
		env.mfaRepo, env.accounts, env.verifications,
		env.otpCache, env.setupCache, env.rateCache,
		env.hasher, env.encryption, audit, notifier, env.cfg,
	)

	// The code is issued even though the mail never left
	require.NoError(t, mfa.SendEmailOtp(ctx, account))

	cached, err := env.otpCache.GetCode(ctx, account.AccountID)
	require.NoError(t, err)
	assert.NotEmpty(t, cached)
}

func TestSendEmailOtpRequiresVerifiedAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, err := env.credentials.Register(ctx, "alice@example.com", "S3cret-password")
	require.NoError(t, err)

	err = env.mfa.SendEmailOtp(ctx, account)
	assert.ErrorIs(t, err, ErrMfaNotEnabled)
}

func TestDisableMfa(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	secret, _, account := enrollTotp(t, env, account)

	err := env.mfa.Disable(ctx, account, MethodTotp, invalidTotpCode(secret))
	assert.ErrorIs(t, err, ErrMfaInvalidCode)

	require.NoError(t, env.mfa.Disable(ctx, account, MethodTotp, totpCode(t, secret)))

	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)
	assert.False(t, updated.MfaEnabled)

	methods, err := env.mfa.AvailableMethods(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestRegenerateRecoveryCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")
	secret, oldCodes, account := enrollTotp(t, env, account)

	newCodes, err := env.mfa.RegenerateRecoveryCodes(ctx, account, MethodTotp, totpCode(t, secret))
	require.NoError(t, err)
	require.Len(t, newCodes, env.cfg.Mfa.RecoveryCodeCount)
	assert.NotEqual(t, oldCodes, newCodes)

	// The old generation is dead even though it was never used
	err = env.mfa.Verify(ctx, account, MethodRecovery, oldCodes[0], "192.0.2.1")
	assert.ErrorIs(t, err, ErrMfaInvalidCode)

	require.NoError(t, env.mfa.Verify(ctx, account, MethodRecovery, newCodes[0], "192.0.2.1"))
}

func TestAvailableMethods(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	methods, err := env.mfa.AvailableMethods(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Empty(t, methods)

	_, _, account = enrollTotp(t, env, account)

	methods, err = env.mfa.AvailableMethods(ctx, account.AccountID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []MfaMethod{MethodTotp, MethodRecovery, MethodEmailOtp}, methods)
}
