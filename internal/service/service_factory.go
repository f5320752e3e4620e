package service

import (
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
)

// ServiceFactory wires the service graph lazily; each service is built once
// on first use.
type ServiceFactory struct {
	config *config.Config

	accounts      scylla.AccountRepository
	mfaRepo       scylla.MfaRepository
	sessionRepo   scylla.SessionRepository
	tokenRepo     scylla.TokenRepository
	verifications scylla.VerificationRepository

	rateCache  *redisrepo.RateLimitCache
	otpCache   *redisrepo.OtpCache
	setupCache *redisrepo.SetupCache
	fraudCache *redisrepo.FraudCache
	blacklist  *redisrepo.BlacklistCache

	hasher        *hashing.Hasher
	encryptionMgr *encryption.Manager
	bucketingMgr  *bucketing.BucketingManager

	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient

	credentialService   *CredentialService
	lockoutService      *LockoutService
	fraudService        *FraudService
	mfaService          *MfaService
	tokenService        *TokenService
	sessionService      *SessionService
	auditService        *AuditService
	notificationService *NotificationService
	authService         *AuthService
}

type ServiceFactoryDeps struct {
	Config        *config.Config
	Accounts      scylla.AccountRepository
	MfaRepo       scylla.MfaRepository
	SessionRepo   scylla.SessionRepository
	TokenRepo     scylla.TokenRepository
	Verifications scylla.VerificationRepository
	RateCache     *redisrepo.RateLimitCache
	OtpCache      *redisrepo.OtpCache
	SetupCache    *redisrepo.SetupCache
	FraudCache    *redisrepo.FraudCache
	Blacklist     *redisrepo.BlacklistCache
	Hasher        *hashing.Hasher
	Encryption    *encryption.Manager
	Bucketing     *bucketing.BucketingManager
	Producer      *client.KafkaProducer
	Clickhouse    *client.ClickHouseClient
	Elasticsearch *client.ESClient
}

func NewServiceFactory(deps ServiceFactoryDeps) *ServiceFactory {
	return &ServiceFactory{
		config:        deps.Config,
		accounts:      deps.Accounts,
		mfaRepo:       deps.MfaRepo,
		sessionRepo:   deps.SessionRepo,
		tokenRepo:     deps.TokenRepo,
		verifications: deps.Verifications,
		rateCache:     deps.RateCache,
		otpCache:      deps.OtpCache,
		setupCache:    deps.SetupCache,
		fraudCache:    deps.FraudCache,
		blacklist:     deps.Blacklist,
		hasher:        deps.Hasher,
		encryptionMgr: deps.Encryption,
		bucketingMgr:  deps.Bucketing,
		producer:      deps.Producer,
		clickhouse:    deps.Clickhouse,
		es:            deps.Elasticsearch,
	}
}

func (f *ServiceFactory) CredentialService() *CredentialService {
	if f.credentialService == nil {
		f.credentialService = NewCredentialService(f.accounts, f.hasher, f.config)
	}
	return f.credentialService
}

func (f *ServiceFactory) LockoutService() *LockoutService {
	if f.lockoutService == nil {
		f.lockoutService = NewLockoutService(f.rateCache, f.accounts, f.config)
	}
	return f.lockoutService
}

func (f *ServiceFactory) FraudService() *FraudService {
	if f.fraudService == nil {
		f.fraudService = NewFraudService(f.fraudCache, f.config)
	}
	return f.fraudService
}

func (f *ServiceFactory) MfaService() *MfaService {
	if f.mfaService == nil {
		f.mfaService = NewMfaService(
			f.mfaRepo,
			f.accounts,
			f.verifications,
			f.otpCache,
			f.setupCache,
			f.rateCache,
			f.hasher,
			f.encryptionMgr,
			f.AuditService(),
			f.NotificationService(),
			f.config,
		)
	}
	return f.mfaService
}

func (f *ServiceFactory) TokenService() *TokenService {
	if f.tokenService == nil {
		f.tokenService = NewTokenService(f.tokenRepo, f.blacklist, f.config)
	}
	return f.tokenService
}

func (f *ServiceFactory) SessionService() *SessionService {
	if f.sessionService == nil {
		f.sessionService = NewSessionService(f.sessionRepo, f.tokenRepo, f.blacklist, f.config)
	}
	return f.sessionService
}

func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(f.producer, f.clickhouse, f.es, f.bucketingMgr, f.config)
	}
	return f.auditService
}

func (f *ServiceFactory) NotificationService() *NotificationService {
	if f.notificationService == nil {
		// Keep the nil concrete pointer out of the interface
		var producer EmailProducer
		if f.producer != nil {
			producer = f.producer
		}
		f.notificationService = NewNotificationService(producer, f.config)
	}
	return f.notificationService
}

func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.CredentialService(),
			f.LockoutService(),
			f.FraudService(),
			f.MfaService(),
			f.TokenService(),
			f.SessionService(),
			f.AuditService(),
			f.NotificationService(),
			f.verifications,
			f.accounts,
			f.hasher,
			f.config,
		)
	}
	return f.authService
}
