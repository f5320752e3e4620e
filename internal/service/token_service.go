package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	tokenTypeMfa     = "mfa"

	mfaTicketTTL = 5 * time.Minute
	parseLeeway  = 30 * time.Second
)

// TokenClaims is the JWT payload for all three token types.
type TokenClaims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
	FamilyID  string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login or refresh hands back.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService signs and verifies JWTs and drives refresh rotation. The
// active member of each rotation family lives in Redis; presenting a rotated-
// away refresh token is treated as theft and kills the whole family.
type TokenService struct {
	config     *config.Config
	tokens     scylla.TokenRepository
	blacklist  *redisrepo.BlacklistCache
	signingKey []byte
}

func NewTokenService(tokens scylla.TokenRepository, blacklist *redisrepo.BlacklistCache, cfg *config.Config) *TokenService {
	return &TokenService{
		config:     cfg,
		tokens:     tokens,
		blacklist:  blacklist,
		signingKey: []byte(cfg.Token.SigningKey),
	}
}

// IssuePair mints a fresh access/refresh pair and starts a new rotation
// family bound to the session.
func (s *TokenService) IssuePair(ctx context.Context, account *models.Account, sessionID string) (*TokenPair, error) {
	now := time.Now().UTC()
	familyID := uuid.New().String()
	refreshID := uuid.New().String()

	accessExpiry := now.Add(s.config.Token.AccessTTL)
	refreshExpiry := now.Add(s.config.Token.RefreshTTL)

	accessToken, err := s.sign(&TokenClaims{
		Email:            account.Email,
		Role:             account.Role,
		SessionID:        sessionID,
		TokenType:        tokenTypeAccess,
		RegisteredClaims: s.registered(account.AccountID, uuid.New().String(), now, accessExpiry),
	})
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.sign(&TokenClaims{
		Email:            account.Email,
		Role:             account.Role,
		SessionID:        sessionID,
		TokenType:        tokenTypeRefresh,
		FamilyID:         familyID,
		RegisteredClaims: s.registered(account.AccountID, refreshID, now, refreshExpiry),
	})
	if err != nil {
		return nil, err
	}

	if err := s.blacklist.RegisterFamily(ctx, familyID, refreshID, s.config.Token.RefreshTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	if err := s.tokens.Create(ctx, &models.RefreshToken{
		AccountID: account.AccountID,
		TokenID:   refreshID,
		FamilyID:  familyID,
		SessionID: sessionID,
		ExpiresAt: refreshExpiry,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// IssueMfaTicket mints the short-lived token that carries a half-finished
// login between the password step and the MFA step. It grants nothing else.
func (s *TokenService) IssueMfaTicket(account *models.Account) (string, error) {
	now := time.Now().UTC()
	return s.sign(&TokenClaims{
		TokenType:        tokenTypeMfa,
		RegisteredClaims: s.registered(account.AccountID, uuid.New().String(), now, now.Add(mfaTicketTTL)),
	})
}

// VerifyAccess validates an access token, including the revocation checks.
func (s *TokenService) VerifyAccess(ctx context.Context, tokenString string) (*TokenClaims, error) {
	claims, err := s.parse(tokenString, tokenTypeAccess)
	if err != nil {
		return nil, err
	}

	if err := s.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token up to, but not including, the
// rotation CAS.
func (s *TokenService) VerifyRefresh(ctx context.Context, tokenString string) (*TokenClaims, error) {
	claims, err := s.parse(tokenString, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	if err := s.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyMfaTicket validates the intermediate login ticket.
func (s *TokenService) VerifyMfaTicket(tokenString string) (*TokenClaims, error) {
	return s.parse(tokenString, tokenTypeMfa)
}

// Rotate exchanges a verified refresh token for a new pair. Exactly one of
// two concurrent rotations with the same token wins; the loser observes a
// reuse and the family dies.
func (s *TokenService) Rotate(ctx context.Context, account *models.Account, claims *TokenClaims) (*TokenPair, error) {
	now := time.Now().UTC()
	newRefreshID := uuid.New().String()

	outcome, err := s.blacklist.RotateFamily(ctx, claims.FamilyID, claims.ID, newRefreshID, s.config.Token.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	switch outcome {
	case redisrepo.RotateReused:
		s.killFamily(ctx, account.AccountID, claims)
		return nil, ErrTokenRevoked
	case redisrepo.RotateExpired:
		return nil, ErrTokenExpired
	}

	if err := s.tokens.Revoke(ctx, account.AccountID, claims.ID, now); err != nil {
		util.Warn("Failed to mirror refresh revocation",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	accessExpiry := now.Add(s.config.Token.AccessTTL)
	refreshExpiry := now.Add(s.config.Token.RefreshTTL)

	accessToken, err := s.sign(&TokenClaims{
		Email:            account.Email,
		Role:             account.Role,
		SessionID:        claims.SessionID,
		TokenType:        tokenTypeAccess,
		RegisteredClaims: s.registered(account.AccountID, uuid.New().String(), now, accessExpiry),
	})
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.sign(&TokenClaims{
		Email:            account.Email,
		Role:             account.Role,
		SessionID:        claims.SessionID,
		TokenType:        tokenTypeRefresh,
		FamilyID:         claims.FamilyID,
		RegisteredClaims: s.registered(account.AccountID, newRefreshID, now, refreshExpiry),
	})
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Create(ctx, &models.RefreshToken{
		AccountID: account.AccountID,
		TokenID:   newRefreshID,
		FamilyID:  claims.FamilyID,
		SessionID: claims.SessionID,
		ExpiresAt: refreshExpiry,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// killFamily tears down everything reachable from a reused refresh token.
func (s *TokenService) killFamily(ctx context.Context, accountID string, claims *TokenClaims) {
	now := time.Now().UTC()

	if err := s.blacklist.RevokeFamily(ctx, claims.FamilyID); err != nil {
		util.Error("Failed to revoke token family after reuse",
			zap.String("family_id", claims.FamilyID),
			zap.Error(err))
	}
	if claims.SessionID != "" {
		if err := s.blacklist.BlacklistSession(ctx, claims.SessionID, s.config.Token.RefreshTTL); err != nil {
			util.Error("Failed to blacklist session after reuse",
				zap.String("session_id", claims.SessionID),
				zap.Error(err))
		}
	}
	if err := s.tokens.RevokeFamily(ctx, accountID, claims.FamilyID, now); err != nil {
		util.Warn("Failed to mirror family revocation",
			zap.String("family_id", claims.FamilyID),
			zap.Error(err))
	}

	util.Warn("Refresh token reuse detected, family revoked",
		zap.String("account_id", accountID),
		zap.String("family_id", claims.FamilyID),
		zap.String("session_id", claims.SessionID))
}

// checkRevocation consults the blacklist. Cache errors deny the token.
func (s *TokenService) checkRevocation(ctx context.Context, claims *TokenClaims) error {
	if claims.SessionID != "" {
		revoked, err := s.blacklist.IsSessionBlacklisted(ctx, claims.SessionID)
		if err != nil {
			util.Error("Session blacklist check unavailable", zap.Error(err))
			return ErrInfrastructure
		}
		if revoked {
			return ErrTokenRevoked
		}
	}

	revoked, err := s.blacklist.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		util.Error("Token blacklist check unavailable", zap.Error(err))
		return ErrInfrastructure
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func (s *TokenService) sign(claims *TokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(tokenString, wantType string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Token.Issuer),
		jwt.WithAudience(s.config.Token.Audience),
		jwt.WithLeeway(parseLeeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.TokenType != wantType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenTypeMismatch, claims.TokenType, wantType)
	}
	return claims, nil
}

func (s *TokenService) registered(subject, id string, now, expiry time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.config.Token.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.config.Token.Audience},
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
}
