package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func newTestHasher() *Hasher {
	// Minimal argon2 cost keeps the suite fast
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		},
	})
}

func TestHashPasswordRoundTrip(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := h.VerifyPassword("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	h := newTestHasher()

	first, err := h.HashPassword("same input")
	require.NoError(t, err)
	second, err := h.HashPassword("same input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestPurposeContextSeparation(t *testing.T) {
	h := newTestHasher()

	// The same input hashed for one purpose must not verify under another
	asOtp, err := h.HashOTP("123456")
	require.NoError(t, err)

	ok, err := h.VerifyPassword("123456", asOtp)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.VerifyRecoveryCode("123456", asOtp)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.VerifyOTP("123456", asOtp)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPepperMismatch(t *testing.T) {
	h := newTestHasher()
	other := NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "different-pepper",
		},
	})

	encoded, err := h.HashPassword("secret")
	require.NoError(t, err)

	ok, err := other.VerifyPassword("secret", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoveryCodeRoundTrip(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashRecoveryCode("K7MP-W3XQ")
	require.NoError(t, err)

	ok, err := h.VerifyRecoveryCode("K7MP-W3XQ", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyRecoveryCode("K7MP-W3XA", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h := newTestHasher()

	_, err := h.VerifyPassword("x", "not-a-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyPassword("x", "$argon2i$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrInvalidHash)
}
