package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	require.NoError(t, env.lockout.CheckLocked(ctx, account))

	// Two failures stay below the limit of three
	for i := 0; i < 2; i++ {
		locked, _, err := env.lockout.RecordFailure(ctx, account)
		require.NoError(t, err)
		assert.False(t, locked)
	}

	locked, retryAfter, err := env.lockout.RecordFailure(ctx, account)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, env.cfg.Lockout.Duration, retryAfter)

	err = env.lockout.CheckLocked(ctx, account)
	assert.ErrorIs(t, err, ErrAccountLocked)

	var lockedErr *AccountLockedError
	require.True(t, errors.As(err, &lockedErr))
	assert.Greater(t, lockedErr.RetryAfter, time.Duration(0))

	// The failure counter was consumed by the lock
	count, err := env.rateCache.GetLoginFailures(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Durable mirror was written
	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)
	require.NotNil(t, updated.LockedUntil)
	assert.True(t, updated.LockedUntil.After(time.Now()))
}

func TestLockoutExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	for i := 0; i < 3; i++ {
		_, _, err := env.lockout.RecordFailure(ctx, account)
		require.NoError(t, err)
	}

	env.mr.FastForward(env.cfg.Lockout.Duration + time.Minute)

	// The cache lock has expired; a stale mirror whose locked_until is
	// already in the past must not lock the account either.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, env.accounts.UpdateLockout(ctx, account.AccountID, 0, &past))
	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)

	assert.NoError(t, env.lockout.CheckLocked(ctx, updated))
}

func TestLockoutDurableMirrorSurvivesCacheFlush(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	for i := 0; i < 3; i++ {
		_, _, err := env.lockout.RecordFailure(ctx, account)
		require.NoError(t, err)
	}

	// Simulate a cache flush; the account row still says locked
	env.mr.FlushAll()

	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)

	err = env.lockout.CheckLocked(ctx, updated)
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLockoutFailureWindowSlides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	for i := 0; i < 2; i++ {
		_, _, err := env.lockout.RecordFailure(ctx, account)
		require.NoError(t, err)
	}

	// Old failures age out; the next one starts a fresh count
	env.mr.FastForward(env.cfg.Lockout.Window + time.Minute)

	locked, _, err := env.lockout.RecordFailure(ctx, account)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockoutRecordSuccessClearsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	_, _, err := env.lockout.RecordFailure(ctx, account)
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.NoError(t, env.accounts.UpdateLockout(ctx, account.AccountID, 2, &until))
	account, err = env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)

	env.lockout.RecordSuccess(ctx, account)

	count, err := env.rateCache.GetLoginFailures(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	updated, err := env.accounts.GetByID(ctx, account.AccountID)
	require.NoError(t, err)
	assert.Nil(t, updated.LockedUntil)
	assert.Equal(t, 0, updated.FailedLoginAttempts)
}

func TestLockoutCheckFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, "alice@example.com", "S3cret-password")

	env.mr.Close()

	err := env.lockout.CheckLocked(ctx, account)
	assert.ErrorIs(t, err, ErrInfrastructure)
}
