package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/config"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

// SessionService manages the session registry. Revocation is two writes: the
// blacklist entry takes effect immediately on the token hot path, the row
// delete keeps the registry honest.
type SessionService struct {
	sessions  scylla.SessionRepository
	tokens    scylla.TokenRepository
	blacklist *redisrepo.BlacklistCache
	config    *config.Config
}

func NewSessionService(
	sessions scylla.SessionRepository,
	tokens scylla.TokenRepository,
	blacklist *redisrepo.BlacklistCache,
	cfg *config.Config,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		tokens:    tokens,
		blacklist: blacklist,
		config:    cfg,
	}
}

// Create opens a session. Its lifetime matches the refresh-token horizon; a
// session with no refreshable token is useless.
func (s *SessionService) Create(ctx context.Context, accountID, ip, userAgent string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		AccountID:    accountID,
		SessionID:    uuid.New().String(),
		IPAddress:    ip,
		UserAgent:    util.TruncateUserAgent(userAgent),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.config.Token.RefreshTTL),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// List returns the account's active sessions, most recently active first. The
// table clusters by session id, so the ordering happens here.
func (s *SessionService) List(ctx context.Context, accountID string) ([]*models.Session, error) {
	sessions, err := s.sessions.ListActive(ctx, accountID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
	return sessions, nil
}

// Touch stamps session activity. Failures are not propagated; activity
// tracking is advisory.
func (s *SessionService) Touch(ctx context.Context, accountID, sessionID string) {
	if err := s.sessions.Touch(ctx, accountID, sessionID, time.Now().UTC()); err != nil {
		util.Warn("Failed to touch session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Revoke kills one session: blacklist first, so tokens die even if the row
// cleanup below fails, then family revocation and the row delete.
func (s *SessionService) Revoke(ctx context.Context, accountID, sessionID string) error {
	session, err := s.sessions.GetByID(ctx, accountID, sessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := s.blacklist.BlacklistSession(ctx, sessionID, ttl); err != nil {
		return ErrInfrastructure
	}

	now := time.Now().UTC()
	tokens, err := s.tokens.ListBySession(ctx, accountID, sessionID)
	if err != nil {
		util.Warn("Failed to enumerate session tokens",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	revokedFamilies := make(map[string]bool)
	for _, token := range tokens {
		if token.FamilyID == "" || revokedFamilies[token.FamilyID] {
			continue
		}
		revokedFamilies[token.FamilyID] = true
		if err := s.blacklist.RevokeFamily(ctx, token.FamilyID); err != nil {
			util.Warn("Failed to revoke session token family",
				zap.String("family_id", token.FamilyID),
				zap.Error(err))
		}
		if err := s.tokens.RevokeFamily(ctx, accountID, token.FamilyID, now); err != nil {
			util.Warn("Failed to mirror session family revocation",
				zap.String("family_id", token.FamilyID),
				zap.Error(err))
		}
	}

	if err := s.sessions.Delete(ctx, accountID, sessionID); err != nil {
		return err
	}

	util.Info("Session revoked",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID))
	return nil
}

// RevokeAllExcept revokes every active session but the one named. Pass an
// empty keep id to revoke everything.
func (s *SessionService) RevokeAllExcept(ctx context.Context, accountID, keepSessionID string) (int, error) {
	sessions, err := s.List(ctx, accountID)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	revoked := 0
	for _, session := range sessions {
		if session.SessionID == keepSessionID {
			continue
		}
		revoked++
		sessionID := session.SessionID
		g.Go(func() error {
			return s.Revoke(ctx, accountID, sessionID)
		})
	}

	if err := g.Wait(); err != nil {
		return revoked, err
	}
	return revoked, nil
}
