package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/util"
)

type sessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) SessionRepository {
	return &sessionRepository{client: client}
}

func (r *sessionRepository) Create(ctx context.Context, session *models.Session) error {
	query := r.client.Prepared.CreateSession.Bind(
		session.AccountID, session.SessionID, session.IPAddress, session.UserAgent,
		session.CreatedAt, session.LastActiveAt, session.ExpiresAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create session",
			zap.String("account_id", session.AccountID),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("account_id", session.AccountID),
		zap.String("session_id", session.SessionID))
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, accountID, sessionID string) (*models.Session, error) {
	session := &models.Session{}

	query := r.client.Prepared.GetSession.Bind(accountID, sessionID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&session.AccountID, &session.SessionID, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.LastActiveAt, &session.ExpiresAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListActive returns non-expired sessions only. Expired rows encountered on
// the way are left for lazy cleanup.
func (r *sessionRepository) ListActive(ctx context.Context, accountID string, now time.Time) ([]*models.Session, error) {
	iter := r.client.Prepared.ListSessions.Bind(accountID).WithContext(ctx).Iter()

	var sessions []*models.Session
	session := &models.Session{}
	for iter.Scan(&session.AccountID, &session.SessionID, &session.IPAddress,
		&session.UserAgent, &session.CreatedAt, &session.LastActiveAt, &session.ExpiresAt) {
		if !session.Expired(now) {
			sessions = append(sessions, session)
		}
		session = &models.Session{}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list sessions",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

func (r *sessionRepository) Touch(ctx context.Context, accountID, sessionID string, at time.Time) error {
	query := r.client.Prepared.TouchSession.
		Bind(at, accountID, sessionID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (r *sessionRepository) Delete(ctx context.Context, accountID, sessionID string) error {
	query := r.client.Prepared.DeleteSession.
		Bind(accountID, sessionID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to delete session",
			zap.String("account_id", accountID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
