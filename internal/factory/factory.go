package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	accountRepository      scylla.AccountRepository
	mfaRepository          scylla.MfaRepository
	sessionRepository      scylla.SessionRepository
	tokenRepository        scylla.TokenRepository
	verificationRepository scylla.VerificationRepository

	// Caches
	rateLimitCache *redisrepo.RateLimitCache
	otpCache       *redisrepo.OtpCache
	setupCache     *redisrepo.SetupCache
	fraudCache     *redisrepo.FraudCache
	blacklistCache *redisrepo.BlacklistCache

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients brings up external connections. Redis and Scylla are hard
// requirements; the audit and notification backends degrade to warnings
// outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - proceeding without event search", util.ErrorField(err))
	} else {
		f.esClient = esClient
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.encryptionManager = encryption.NewManager(f.config, f.kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
}

// ==============================
// Repositories and caches
// ==============================

func (f *Factory) AccountRepository() scylla.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.accountRepository
}

func (f *Factory) MfaRepository() scylla.MfaRepository {
	if f.mfaRepository == nil {
		f.mfaRepository = scylla.NewMfaRepository(f.scyllaClient)
	}
	return f.mfaRepository
}

func (f *Factory) SessionRepository() scylla.SessionRepository {
	if f.sessionRepository == nil {
		f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient)
	}
	return f.sessionRepository
}

func (f *Factory) TokenRepository() scylla.TokenRepository {
	if f.tokenRepository == nil {
		f.tokenRepository = scylla.NewTokenRepository(f.scyllaClient)
	}
	return f.tokenRepository
}

func (f *Factory) VerificationRepository() scylla.VerificationRepository {
	if f.verificationRepository == nil {
		f.verificationRepository = scylla.NewVerificationRepository(f.scyllaClient)
	}
	return f.verificationRepository
}

func (f *Factory) RateLimitCache() *redisrepo.RateLimitCache {
	if f.rateLimitCache == nil {
		f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)
	}
	return f.rateLimitCache
}

func (f *Factory) OtpCache() *redisrepo.OtpCache {
	if f.otpCache == nil {
		f.otpCache = redisrepo.NewOtpCache(f.redisClient)
	}
	return f.otpCache
}

func (f *Factory) SetupCache() *redisrepo.SetupCache {
	if f.setupCache == nil {
		f.setupCache = redisrepo.NewSetupCache(f.redisClient)
	}
	return f.setupCache
}

func (f *Factory) FraudCache() *redisrepo.FraudCache {
	if f.fraudCache == nil {
		f.fraudCache = redisrepo.NewFraudCache(f.redisClient)
	}
	return f.fraudCache
}

func (f *Factory) BlacklistCache() *redisrepo.BlacklistCache {
	if f.blacklistCache == nil {
		f.blacklistCache = redisrepo.NewBlacklistCache(f.redisClient)
	}
	return f.blacklistCache
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(service.ServiceFactoryDeps{
			Config:        f.config,
			Accounts:      f.AccountRepository(),
			MfaRepo:       f.MfaRepository(),
			SessionRepo:   f.SessionRepository(),
			TokenRepo:     f.TokenRepository(),
			Verifications: f.VerificationRepository(),
			RateCache:     f.RateLimitCache(),
			OtpCache:      f.OtpCache(),
			SetupCache:    f.SetupCache(),
			FraudCache:    f.FraudCache(),
			Blacklist:     f.BlacklistCache(),
			Hasher:        f.hasher,
			Encryption:    f.encryptionManager,
			Bucketing:     f.bucketingManager,
			Producer:      f.kafkaProducer,
			Clickhouse:    f.clickhouseClient,
			Elasticsearch: f.esClient,
		})
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores the optional sinks; the service can authenticate without
// them.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
