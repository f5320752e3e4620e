package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	EmailTopic string
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int // KiB
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

type SecurityConfig struct {
	// MasterSecret feeds the KDF that produces the MFA-secret encryption key.
	MasterSecret string
}

type TokenConfig struct {
	Issuer     string
	Audience   string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type MfaConfig struct {
	TotpIssuer        string
	SetupTTL          time.Duration
	EmailOtpTTL       time.Duration
	MaxAttempts       int
	LockoutDuration   time.Duration
	RecoveryCodeCount int
}

type LockoutConfig struct {
	MaxAttempts int
	Window      time.Duration
	Duration    time.Duration
}

type FraudConfig struct {
	Window             time.Duration
	MaxFailedAttempts  int
	SuspiciousAccounts int
	BlockDuration      time.Duration
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Security      SecurityConfig
	Token         TokenConfig
	Mfa           MfaConfig
	Lockout       LockoutConfig
	Fraud         FraudConfig
	Bucketing     BucketingConfig
}

var (
	loaded *Config
	once   sync.Once
)

// LoadConfig reads .env (if present) and the process environment into a
// validated Config. It is called once by the factory; Get returns the same
// instance afterwards.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		cfg := &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "127.0.0.1"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
				EmailTopic: getEnv("KAFKA_EMAIL_TOPIC", "notifications.email"),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "identity.security-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "identity_audit"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				EventIndex: getEnv("ELASTICSEARCH_EVENT_INDEX", "security-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
				Pepper:            getEnv("HASHING_PEPPER", "dev-pepper-do-not-use"),
			},
			Security: SecurityConfig{
				MasterSecret: getEnv("MASTER_SECRET", "dev-master-secret-do-not-use"),
			},
			Token: TokenConfig{
				Issuer:     getEnv("TOKEN_ISSUER", "identity-service"),
				Audience:   getEnv("TOKEN_AUDIENCE", "identity-clients"),
				SigningKey: getEnv("TOKEN_SIGNING_KEY", "dev-signing-key-do-not-use"),
				AccessTTL:  getEnvDuration("TOKEN_ACCESS_TTL", 15*time.Minute),
				RefreshTTL: getEnvDuration("TOKEN_REFRESH_TTL", 7*24*time.Hour),
			},
			Mfa: MfaConfig{
				TotpIssuer:        getEnv("MFA_TOTP_ISSUER", "identity-service"),
				SetupTTL:          getEnvDuration("MFA_SETUP_TTL", 10*time.Minute),
				EmailOtpTTL:       getEnvDuration("MFA_EMAIL_OTP_TTL", 10*time.Minute),
				MaxAttempts:       getEnvInt("MFA_MAX_ATTEMPTS", 5),
				LockoutDuration:   getEnvDuration("MFA_LOCKOUT_DURATION", 15*time.Minute),
				RecoveryCodeCount: getEnvInt("MFA_RECOVERY_CODE_COUNT", 10),
			},
			Lockout: LockoutConfig{
				MaxAttempts: getEnvInt("LOCKOUT_MAX_ATTEMPTS", 5),
				Window:      getEnvDuration("LOCKOUT_WINDOW", 15*time.Minute),
				Duration:    getEnvDuration("LOCKOUT_DURATION", 15*time.Minute),
			},
			Fraud: FraudConfig{
				Window:             getEnvDuration("FRAUD_WINDOW", 15*time.Minute),
				MaxFailedAttempts:  getEnvInt("FRAUD_MAX_FAILED_ATTEMPTS", 5),
				SuspiciousAccounts: getEnvInt("FRAUD_SUSPICIOUS_ACCOUNTS", 10),
				BlockDuration:      getEnvDuration("FRAUD_BLOCK_DURATION", time.Hour),
			},
			Bucketing: BucketingConfig{
				AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 256),
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 64),
			},
		}

		if err := cfg.Validate(); err != nil {
			panic("invalid configuration: " + err.Error())
		}

		loaded = cfg
	})

	return loaded
}

// Get returns the loaded configuration
func Get() *Config {
	if loaded == nil {
		return LoadConfig()
	}
	return loaded
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate fails fast on configurations that would weaken security checks
// at runtime instead of surfacing at boot.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return fmt.Errorf("refresh TTL must exceed access TTL")
	}
	if c.Lockout.MaxAttempts < 1 || c.Mfa.MaxAttempts < 1 {
		return fmt.Errorf("attempt limits must be at least 1")
	}
	if c.Fraud.SuspiciousAccounts < 2 {
		return fmt.Errorf("fraud suspicious-account threshold must be at least 2")
	}
	if c.Bucketing.AccountBuckets < 1 || c.Bucketing.EventBuckets < 1 {
		return fmt.Errorf("bucket counts must be at least 1")
	}
	if c.IsProduction() {
		for name, v := range map[string]string{
			"TOKEN_SIGNING_KEY": c.Token.SigningKey,
			"MASTER_SECRET":     c.Security.MasterSecret,
			"HASHING_PEPPER":    c.Hashing.Pepper,
		} {
			if strings.Contains(v, "do-not-use") || len(v) < 32 {
				return fmt.Errorf("%s must be set to a strong value in production", name)
			}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
