package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		},
		Security: config.SecurityConfig{
			MasterSecret: "test-master-secret",
		},
		Token: config.TokenConfig{
			Issuer:     "identity-service",
			Audience:   "identity-clients",
			SigningKey: "test-signing-key",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Mfa: config.MfaConfig{
			TotpIssuer:        "identity-service",
			SetupTTL:          10 * time.Minute,
			EmailOtpTTL:       10 * time.Minute,
			MaxAttempts:       3,
			LockoutDuration:   15 * time.Minute,
			RecoveryCodeCount: 4,
		},
		Lockout: config.LockoutConfig{
			MaxAttempts: 3,
			Window:      15 * time.Minute,
			Duration:    15 * time.Minute,
		},
		Fraud: config.FraudConfig{
			Window:             15 * time.Minute,
			MaxFailedAttempts:  5,
			SuspiciousAccounts: 3,
			BlockDuration:      time.Hour,
		},
		Bucketing: config.BucketingConfig{
			AccountBuckets: 16,
			EventBuckets:   8,
		},
	}
}

// ===== in-memory repository fakes =====

type fakeAccountRepo struct {
	mu      sync.Mutex
	byID    map[string]*models.Account
	byEmail map[string]string
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		byID:    make(map[string]*models.Account),
		byEmail: make(map[string]string),
	}
}

func (r *fakeAccountRepo) Create(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, claimed := r.byEmail[account.EmailHash]; claimed {
		return scylla.ErrAlreadyExists
	}
	if account.AccountID == "" {
		account.AccountID = uuid.New().String()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = &now

	stored := *account
	r.byID[account.AccountID] = &stored
	r.byEmail[account.EmailHash] = account.AccountID
	return nil
}

func (r *fakeAccountRepo) GetByID(_ context.Context, accountID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[accountID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	account := *stored
	return &account, nil
}

func (r *fakeAccountRepo) GetByEmailHash(ctx context.Context, emailHash string) (*models.Account, error) {
	r.mu.Lock()
	accountID, ok := r.byEmail[emailHash]
	r.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return r.GetByID(ctx, accountID)
}

func (r *fakeAccountRepo) update(accountID string, mutate func(*models.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	mutate(stored)
	return nil
}

func (r *fakeAccountRepo) UpdatePasswordHash(_ context.Context, accountID, passwordHash string) error {
	return r.update(accountID, func(a *models.Account) { a.PasswordHash = passwordHash })
}

func (r *fakeAccountRepo) UpdateLockout(_ context.Context, accountID string, failedAttempts int, lockedUntil *time.Time) error {
	return r.update(accountID, func(a *models.Account) {
		a.FailedLoginAttempts = failedAttempts
		a.LockedUntil = lockedUntil
	})
}

func (r *fakeAccountRepo) UpdateStatus(_ context.Context, accountID, status string) error {
	return r.update(accountID, func(a *models.Account) { a.Status = status })
}

func (r *fakeAccountRepo) SetMfaEnabled(_ context.Context, accountID string, enabled bool) error {
	return r.update(accountID, func(a *models.Account) { a.MfaEnabled = enabled })
}

func (r *fakeAccountRepo) MarkEmailVerified(_ context.Context, accountID string) error {
	return r.update(accountID, func(a *models.Account) { a.EmailVerified = true })
}

func (r *fakeAccountRepo) UpdateLastLogin(_ context.Context, accountID string, at time.Time) error {
	return r.update(accountID, func(a *models.Account) { a.LastLogin = &at })
}

type fakeMfaRepo struct {
	mu      sync.Mutex
	configs map[string]*models.MfaConfig
	codes   map[string][]*models.RecoveryCode
}

func newFakeMfaRepo() *fakeMfaRepo {
	return &fakeMfaRepo{
		configs: make(map[string]*models.MfaConfig),
		codes:   make(map[string][]*models.RecoveryCode),
	}
}

func (r *fakeMfaRepo) GetConfig(_ context.Context, accountID string) (*models.MfaConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.configs[accountID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cfg := *stored
	return &cfg, nil
}

func (r *fakeMfaRepo) EnableTotp(_ context.Context, cfg *models.MfaConfig, codes []*models.RecoveryCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *cfg
	stored.CreatedAt = time.Now().UTC()
	r.configs[cfg.AccountID] = &stored
	r.codes[cfg.AccountID] = copyCodes(codes)
	return nil
}

func (r *fakeMfaRepo) DisableTotp(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.configs, accountID)
	delete(r.codes, accountID)
	return nil
}

func (r *fakeMfaRepo) ListRecoveryCodes(_ context.Context, accountID string) ([]*models.RecoveryCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCodes(r.codes[accountID]), nil
}

func (r *fakeMfaRepo) MarkRecoveryCodeUsed(_ context.Context, accountID, codeHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rc := range r.codes[accountID] {
		if rc.CodeHash == codeHash {
			rc.UsedAt = &at
			return nil
		}
	}
	return scylla.ErrNotFound
}

func (r *fakeMfaRepo) ReplaceRecoveryCodes(_ context.Context, accountID string, codes []*models.RecoveryCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codes[accountID] = copyCodes(codes)
	return nil
}

func copyCodes(codes []*models.RecoveryCode) []*models.RecoveryCode {
	out := make([]*models.RecoveryCode, 0, len(codes))
	for _, rc := range codes {
		copied := *rc
		out = append(out, &copied)
	}
	return out
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]map[string]*models.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]map[string]*models.Session)}
}

func (r *fakeSessionRepo) Create(_ context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[session.AccountID] == nil {
		r.sessions[session.AccountID] = make(map[string]*models.Session)
	}
	stored := *session
	r.sessions[session.AccountID][session.SessionID] = &stored
	return nil
}

func (r *fakeSessionRepo) GetByID(_ context.Context, accountID, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[accountID][sessionID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	session := *stored
	return &session, nil
}

func (r *fakeSessionRepo) ListActive(_ context.Context, accountID string, now time.Time) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Session
	for _, stored := range r.sessions[accountID] {
		if stored.Expired(now) {
			continue
		}
		session := *stored
		out = append(out, &session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (r *fakeSessionRepo) Touch(_ context.Context, accountID, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[accountID][sessionID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.LastActiveAt = at
	return nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, accountID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions[accountID], sessionID)
	return nil
}

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]map[string]*models.RefreshToken
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[string]map[string]*models.RefreshToken)}
}

func (r *fakeTokenRepo) Create(_ context.Context, token *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tokens[token.AccountID] == nil {
		r.tokens[token.AccountID] = make(map[string]*models.RefreshToken)
	}
	stored := *token
	r.tokens[token.AccountID][token.TokenID] = &stored
	return nil
}

func (r *fakeTokenRepo) GetByID(_ context.Context, accountID, tokenID string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tokens[accountID][tokenID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	token := *stored
	return &token, nil
}

func (r *fakeTokenRepo) Revoke(_ context.Context, accountID, tokenID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tokens[accountID][tokenID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.RevokedAt = &at
	return nil
}

func (r *fakeTokenRepo) RevokeFamily(_ context.Context, accountID, familyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stored := range r.tokens[accountID] {
		if stored.FamilyID == familyID && stored.RevokedAt == nil {
			stored.RevokedAt = &at
		}
	}
	return nil
}

func (r *fakeTokenRepo) ListBySession(_ context.Context, accountID, sessionID string) ([]*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.RefreshToken
	for _, stored := range r.tokens[accountID] {
		if stored.SessionID != sessionID {
			continue
		}
		token := *stored
		out = append(out, &token)
	}
	return out, nil
}

type fakeVerificationRepo struct {
	mu   sync.Mutex
	rows []*models.VerificationCode
}

func newFakeVerificationRepo() *fakeVerificationRepo {
	return &fakeVerificationRepo{}
}

func (r *fakeVerificationRepo) Create(_ context.Context, code *models.VerificationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *code
	r.rows = append(r.rows, &stored)
	return nil
}

func (r *fakeVerificationRepo) GetActive(_ context.Context, accountID, codeType string, now time.Time) (*models.VerificationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest *models.VerificationCode
	for _, row := range r.rows {
		if row.AccountID != accountID || row.CodeType != codeType {
			continue
		}
		if row.UsedAt != nil || now.After(row.ExpiresAt) {
			continue
		}
		if newest == nil || row.CreatedAt.After(newest.CreatedAt) {
			newest = row
		}
	}
	if newest == nil {
		return nil, scylla.ErrNotFound
	}
	row := *newest
	return &row, nil
}

func (r *fakeVerificationRepo) MarkUsed(_ context.Context, accountID, codeType, codeID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.AccountID == accountID && row.CodeType == codeType && row.CodeID == codeID {
			row.UsedAt = &at
			return nil
		}
	}
	return scylla.ErrNotFound
}

// ===== wired test environment =====

type testEnv struct {
	cfg *config.Config
	mr  *miniredis.Miniredis

	accounts      *fakeAccountRepo
	mfaRepo       *fakeMfaRepo
	sessionRepo   *fakeSessionRepo
	tokenRepo     *fakeTokenRepo
	verifications *fakeVerificationRepo

	rateCache  *redisrepo.RateLimitCache
	otpCache   *redisrepo.OtpCache
	setupCache *redisrepo.SetupCache
	fraudCache *redisrepo.FraudCache
	blacklist  *redisrepo.BlacklistCache

	hasher     *hashing.Hasher
	encryption *encryption.Manager

	credentials *CredentialService
	lockout     *LockoutService
	fraud       *FraudService
	mfa         *MfaService
	tokens      *TokenService
	sessions    *SessionService
	auth        *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := newTestConfig()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	redisClient := client.NewRedisClientWithClient(rdb)

	env := &testEnv{
		cfg:           cfg,
		mr:            mr,
		accounts:      newFakeAccountRepo(),
		mfaRepo:       newFakeMfaRepo(),
		sessionRepo:   newFakeSessionRepo(),
		tokenRepo:     newFakeTokenRepo(),
		verifications: newFakeVerificationRepo(),
		rateCache:     redisrepo.NewRateLimitCache(redisClient),
		otpCache:      redisrepo.NewOtpCache(redisClient),
		setupCache:    redisrepo.NewSetupCache(redisClient),
		fraudCache:    redisrepo.NewFraudCache(redisClient),
		blacklist:     redisrepo.NewBlacklistCache(redisClient),
		hasher:        hashing.NewHasher(cfg),
		encryption:    encryption.NewManager(cfg, nil),
	}

	bm := bucketing.NewBucketingManager(cfg)
	audit := NewAuditService(nil, nil, nil, bm, cfg)
	notifier := NewNotificationService(nil, cfg)

	env.credentials = NewCredentialService(env.accounts, env.hasher, cfg)
	env.lockout = NewLockoutService(env.rateCache, env.accounts, cfg)
	env.fraud = NewFraudService(env.fraudCache, cfg)
	env.tokens = NewTokenService(env.tokenRepo, env.blacklist, cfg)
	env.sessions = NewSessionService(env.sessionRepo, env.tokenRepo, env.blacklist, cfg)
	env.mfa = NewMfaService(
		env.mfaRepo, env.accounts, env.verifications,
		env.otpCache, env.setupCache, env.rateCache,
		env.hasher, env.encryption, audit, notifier, cfg,
	)
	env.auth = NewAuthService(
		env.credentials, env.lockout, env.fraud, env.mfa,
		env.tokens, env.sessions, audit, notifier,
		env.verifications, env.accounts, env.hasher, cfg,
	)

	return env
}

// createAccount registers and activates a test account directly through the
// repos, bypassing the email verification flow.
func (e *testEnv) createAccount(t *testing.T, email, password string) *models.Account {
	t.Helper()

	ctx := context.Background()
	account, err := e.credentials.Register(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, e.accounts.UpdateStatus(ctx, account.AccountID, models.AccountStatusActive))
	require.NoError(t, e.accounts.MarkEmailVerified(ctx, account.AccountID))

	account, err = e.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)
	return account
}
