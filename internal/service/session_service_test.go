package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCreateAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	session, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.1", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, "192.0.2.1", session.IPAddress)
	assert.Equal(t, "test-agent", session.UserAgent)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	list, err := env.sessions.List(ctx, account.AccountID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, session.SessionID, list[0].SessionID)
}

func TestSessionListOrdersByActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	first, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.1", "agent-1")
	require.NoError(t, err)
	second, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.2", "agent-2")
	require.NoError(t, err)
	third, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.3", "agent-3")
	require.NoError(t, err)

	// Activity decides the order, not creation
	now := time.Now().UTC()
	require.NoError(t, env.sessionRepo.Touch(ctx, account.AccountID, second.SessionID, now.Add(2*time.Minute)))
	require.NoError(t, env.sessionRepo.Touch(ctx, account.AccountID, first.SessionID, now.Add(time.Minute)))

	list, err := env.sessions.List(ctx, account.AccountID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, second.SessionID, list[0].SessionID)
	assert.Equal(t, first.SessionID, list[1].SessionID)
	assert.Equal(t, third.SessionID, list[2].SessionID)
}

func TestSessionListSkipsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	session, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.1", "test-agent")
	require.NoError(t, err)

	// Push the row past its horizon
	session.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.sessionRepo.Create(ctx, session))

	list, err := env.sessions.List(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSessionRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	session, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.1", "test-agent")
	require.NoError(t, err)
	pair, err := env.tokens.IssuePair(ctx, account, session.SessionID)
	require.NoError(t, err)

	require.NoError(t, env.sessions.Revoke(ctx, account.AccountID, session.SessionID))

	// Tokens bound to the session die immediately
	_, err = env.tokens.VerifyAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = env.tokens.VerifyRefresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	list, err := env.sessions.List(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSessionRevokeUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	err := env.sessions.Revoke(ctx, account.AccountID, "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRevokeFailsClosedWhenCacheDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	session, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.1", "test-agent")
	require.NoError(t, err)

	env.mr.Close()

	err = env.sessions.Revoke(ctx, account.AccountID, session.SessionID)
	assert.ErrorIs(t, err, ErrInfrastructure)
}

func TestRevokeAllExcept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	keep, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.1", "agent-1")
	require.NoError(t, err)
	other1, err := env.sessions.Create(ctx, account.AccountID, "192.0.2.2", "agent-2")
	require.NoError(t, err)
	_, err = env.sessions.Create(ctx, account.AccountID, "192.0.2.3", "agent-3")
	require.NoError(t, err)

	otherPair, err := env.tokens.IssuePair(ctx, account, other1.SessionID)
	require.NoError(t, err)

	revoked, err := env.sessions.RevokeAllExcept(ctx, account.AccountID, keep.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	list, err := env.sessions.List(ctx, account.AccountID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.SessionID, list[0].SessionID)

	_, err = env.tokens.VerifyAccess(ctx, otherPair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}
