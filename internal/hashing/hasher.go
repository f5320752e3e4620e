package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"identity-service/internal/config"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces and verifies argon2id hashes in PHC string format. A
// service-wide pepper and a per-purpose context string are mixed into the
// input so hashes can never be replayed across purposes.
type Hasher struct {
	params Argon2Params
	pepper string
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	return &Hasher{
		params: params,
		pepper: cfg.Hashing.Pepper,
	}
}

func (h *Hasher) HashPassword(password string) (string, error) {
	return h.hashWithPepper(password, "password")
}

func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	return h.verifyWithPepper(password, encoded, "password")
}

func (h *Hasher) HashOTP(otp string) (string, error) {
	return h.hashWithPepper(otp, "otp")
}

func (h *Hasher) VerifyOTP(otp, encoded string) (bool, error) {
	return h.verifyWithPepper(otp, encoded, "otp")
}

func (h *Hasher) HashRecoveryCode(code string) (string, error) {
	return h.hashWithPepper(code, "recovery")
}

func (h *Hasher) VerifyRecoveryCode(code, encoded string) (bool, error) {
	return h.verifyWithPepper(code, encoded, "recovery")
}

// DummyVerify burns the same argon2 work as a real verification. Callers use
// it when the account does not exist so lookup misses are not observable
// through response timing.
func (h *Hasher) DummyVerify() {
	salt := make([]byte, h.params.SaltLength)
	argon2.IDKey([]byte("dummy"+h.pepper+"password"), salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
}

func (h *Hasher) hashWithPepper(data, context string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context prevents hash reuse between different purposes
	contextual := data + h.pepper + context

	hash := argon2.IDKey(
		[]byte(contextual),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

func (h *Hasher) verifyWithPepper(data, encoded, context string) (bool, error) {
	memory, iterations, parallelism, salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	contextual := data + h.pepper + context

	computed := argon2.IDKey(
		[]byte(contextual),
		salt,
		iterations,
		memory,
		parallelism,
		uint32(len(expected)),
	)

	// Constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func decodeHash(encoded string) (memory, iterations uint32, parallelism uint8, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return 0, 0, 0, nil, nil, ErrIncompatibleVersion
	}

	var p uint
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &p); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	parallelism = uint8(p)

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	return memory, iterations, parallelism, salt, hash, nil
}
