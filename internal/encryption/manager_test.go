package encryption

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func newTestManager(masterSecret string) *Manager {
	return NewManager(&config.Config{
		Security: config.SecurityConfig{MasterSecret: masterSecret},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := newTestManager("test-master-secret")
	ctx := context.Background()

	encrypted, err := m.EncryptString(ctx, "JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encrypted, "v1:"))
	assert.NotContains(t, encrypted, "JBSWY3DPEHPK3PXP")

	decrypted, err := m.DecryptString(ctx, encrypted)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", decrypted)
}

func TestEncryptNonDeterministic(t *testing.T) {
	m := newTestManager("test-master-secret")
	ctx := context.Background()

	first, err := m.EncryptString(ctx, "same plaintext")
	require.NoError(t, err)
	second, err := m.EncryptString(ctx, "same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptWrongKey(t *testing.T) {
	ctx := context.Background()

	encrypted, err := newTestManager("secret-a").EncryptString(ctx, "payload")
	require.NoError(t, err)

	_, err = newTestManager("secret-b").DecryptString(ctx, encrypted)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptMalformedInput(t *testing.T) {
	m := newTestManager("test-master-secret")
	ctx := context.Background()

	_, err := m.DecryptString(ctx, "no-prefix-here")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = m.DecryptString(ctx, "v1:%%%not-base64%%%")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = m.DecryptString(ctx, "v1:c2hvcnQ")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = m.DecryptString(ctx, "v9:deadbeef")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	m := newTestManager("test-master-secret")
	ctx := context.Background()

	encrypted, err := m.EncryptString(ctx, "payload")
	require.NoError(t, err)

	// Flip one character of the base64 payload
	tampered := []byte(encrypted)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	_, err = m.DecryptString(ctx, string(tampered))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
