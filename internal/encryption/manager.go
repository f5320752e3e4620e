package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"golang.org/x/crypto/argon2"

	"identity-service/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Fixed domain-separation salt for the local key derivation. Changing it
// invalidates every secret encrypted under the previous derivation.
const keyDerivationSalt = "identity-mfa-secret-v1"

const (
	localPrefix = "v1"
	kmsPrefix   = "kms"
)

// Manager provides AES-256-GCM for secrets at rest. In local mode the key is
// derived from the service master secret with argon2id; in KMS mode each
// encryption uses a KMS-generated data key stored alongside the ciphertext
// (envelope encryption).
type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	localKey  []byte
	dekCache  sync.Map // encrypted DEK (b64) -> plaintext DEK
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	localKey := argon2.IDKey(
		[]byte(cfg.Security.MasterSecret),
		[]byte(keyDerivationSalt),
		uint32(cfg.Hashing.Argon2TimeCost),
		uint32(cfg.Hashing.Argon2MemoryCost),
		uint8(cfg.Hashing.Argon2Parallelism),
		32, // AES-256
	)

	return &Manager{
		kmsClient: kmsClient,
		config:    cfg,
		localKey:  localKey,
	}
}

// EncryptString seals plaintext under a fresh random nonce. Two encryptions
// of the same input always produce different ciphertext.
func (m *Manager) EncryptString(ctx context.Context, plaintext string) (string, error) {
	if m.config.KMS.Enabled && m.kmsClient != nil {
		return m.encryptEnvelope(ctx, plaintext)
	}

	sealed, err := sealWithKey(m.localKey, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return localPrefix + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString for either storage format.
func (m *Manager) DecryptString(ctx context.Context, encoded string) (string, error) {
	prefix, rest, ok := strings.Cut(encoded, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing format prefix", ErrDecryptionFailed)
	}

	switch prefix {
	case localPrefix:
		sealed, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
		}
		plaintext, err := openWithKey(m.localKey, sealed)
		if err != nil {
			return "", err
		}
		return string(plaintext), nil
	case kmsPrefix:
		return m.decryptEnvelope(ctx, rest)
	default:
		return "", fmt.Errorf("%w: unknown format prefix %q", ErrDecryptionFailed, prefix)
	}
}

func (m *Manager) encryptEnvelope(ctx context.Context, plaintext string) (string, error) {
	out, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to generate data key: %v", ErrEncryptionFailed, err)
	}

	sealed, err := sealWithKey(out.Plaintext, []byte(plaintext))
	if err != nil {
		return "", err
	}

	encryptedDEK := base64.StdEncoding.EncodeToString(out.CiphertextBlob)
	m.dekCache.Store(encryptedDEK, out.Plaintext)

	return kmsPrefix + ":" + encryptedDEK + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (m *Manager) decryptEnvelope(ctx context.Context, rest string) (string, error) {
	encryptedDEK, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}

	var dek []byte
	if cached, found := m.dekCache.Load(encryptedDEK); found {
		dek = cached.([]byte)
	} else {
		blob, err := base64.StdEncoding.DecodeString(encryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK encoding", ErrDecryptionFailed)
		}
		out, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = out.Plaintext
		m.dekCache.Store(encryptedDEK, dek)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}
	plaintext, err := openWithKey(dek, sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// sealWithKey returns nonce||ciphertext||tag; the nonce length is fixed by
// GCM so the parts split unambiguously on decrypt.
func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openWithKey(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// ClearCache drops cached plaintext data keys
func (m *Manager) ClearCache() {
	m.dekCache.Range(func(key, _ interface{}) bool {
		m.dekCache.Delete(key)
		return true
	})
}
