package scylla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a uniqueness claim loses its LWT.
	ErrAlreadyExists = errors.New("record already exists")
)

// PreparedStatements holds the statements used by the repositories.
type PreparedStatements struct {
	CreateAccount     *gocql.Query
	CreateEmailIndex  *gocql.Query
	GetAccountByID    *gocql.Query
	GetEmailIndex     *gocql.Query
	UpdatePassword    *gocql.Query
	UpdateLockout     *gocql.Query
	UpdateStatus      *gocql.Query
	SetMfaEnabled     *gocql.Query
	MarkEmailVerified *gocql.Query
	UpdateLastLogin   *gocql.Query

	GetMfaConfig         *gocql.Query
	ListRecoveryCodes    *gocql.Query
	MarkRecoveryCodeUsed *gocql.Query

	CreateSession *gocql.Query
	GetSession    *gocql.Query
	ListSessions  *gocql.Query
	TouchSession  *gocql.Query
	DeleteSession *gocql.Query

	CreateRefreshToken *gocql.Query
	GetRefreshToken    *gocql.Query
	RevokeRefreshToken *gocql.Query
	ListRefreshTokens  *gocql.Query

	CreateVerificationCode *gocql.Query
	ListVerificationCodes  *gocql.Query
	MarkVerificationUsed   *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateAccount = s.Session.Query(`
        INSERT INTO accounts (
            account_bucket, account_id, email, email_hash, password_hash,
            role, status, failed_login_attempts, locked_until, mfa_enabled,
            email_verified, created_at, last_login, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	// LWT so two concurrent registrations of the same email cannot both win
	prepared.CreateEmailIndex = s.Session.Query(`
        INSERT INTO email_to_account (email_hash, account_bucket, account_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetAccountByID = s.Session.Query(`
        SELECT account_bucket, account_id, email, email_hash, password_hash,
            role, status, failed_login_attempts, locked_until, mfa_enabled,
            email_verified, created_at, last_login, updated_at
        FROM accounts WHERE account_bucket = ? AND account_id = ?`)

	prepared.GetEmailIndex = s.Session.Query(`
        SELECT account_bucket, account_id FROM email_to_account WHERE email_hash = ?`)

	prepared.UpdatePassword = s.Session.Query(`
        UPDATE accounts SET password_hash = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateLockout = s.Session.Query(`
        UPDATE accounts SET failed_login_attempts = ?, locked_until = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateStatus = s.Session.Query(`
        UPDATE accounts SET status = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.SetMfaEnabled = s.Session.Query(`
        UPDATE accounts SET mfa_enabled = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.MarkEmailVerified = s.Session.Query(`
        UPDATE accounts SET email_verified = true, status = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateLastLogin = s.Session.Query(`
        UPDATE accounts SET last_login = ? WHERE account_bucket = ? AND account_id = ?`)

	prepared.GetMfaConfig = s.Session.Query(`
        SELECT account_id, secret_encrypted, totp_enabled, email_otp_enabled,
            preferred_method, created_at, updated_at
        FROM mfa_configs WHERE account_id = ?`)

	prepared.ListRecoveryCodes = s.Session.Query(`
        SELECT code_hash, used_at, created_at FROM recovery_codes WHERE account_id = ?`)

	prepared.MarkRecoveryCodeUsed = s.Session.Query(`
        UPDATE recovery_codes SET used_at = ? WHERE account_id = ? AND code_hash = ?`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO sessions (
            account_id, session_id, ip_address, user_agent,
            created_at, last_active_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetSession = s.Session.Query(`
        SELECT account_id, session_id, ip_address, user_agent,
            created_at, last_active_at, expires_at
        FROM sessions WHERE account_id = ? AND session_id = ?`)

	prepared.ListSessions = s.Session.Query(`
        SELECT account_id, session_id, ip_address, user_agent,
            created_at, last_active_at, expires_at
        FROM sessions WHERE account_id = ?`)

	prepared.TouchSession = s.Session.Query(`
        UPDATE sessions SET last_active_at = ? WHERE account_id = ? AND session_id = ?`)

	prepared.DeleteSession = s.Session.Query(`
        DELETE FROM sessions WHERE account_id = ? AND session_id = ?`)

	prepared.CreateRefreshToken = s.Session.Query(`
        INSERT INTO refresh_tokens (
            account_id, token_id, family_id, session_id,
            expires_at, revoked_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetRefreshToken = s.Session.Query(`
        SELECT account_id, token_id, family_id, session_id,
            expires_at, revoked_at, created_at
        FROM refresh_tokens WHERE account_id = ? AND token_id = ?`)

	prepared.RevokeRefreshToken = s.Session.Query(`
        UPDATE refresh_tokens SET revoked_at = ? WHERE account_id = ? AND token_id = ?`)

	prepared.ListRefreshTokens = s.Session.Query(`
        SELECT account_id, token_id, family_id, session_id,
            expires_at, revoked_at, created_at
        FROM refresh_tokens WHERE account_id = ?`)

	prepared.CreateVerificationCode = s.Session.Query(`
        INSERT INTO verification_codes (
            account_id, code_type, code_id, code_hash,
            expires_at, used_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListVerificationCodes = s.Session.Query(`
        SELECT code_id, code_hash, expires_at, used_at, created_at
        FROM verification_codes WHERE account_id = ? AND code_type = ?`)

	prepared.MarkVerificationUsed = s.Session.Query(`
        UPDATE verification_codes SET used_at = ?
        WHERE account_id = ? AND code_type = ? AND code_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
