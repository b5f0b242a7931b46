package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

// envelopePrefix marks an encrypted attribute value.
const envelopePrefix = "enc:v1:"

var ErrNotEncrypted = errors.New("attribute value is missing the encryption envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried in order when the active key cannot decrypt a value.
	FallbackKeys [][]byte
}

type sealer struct {
	gcm      cipher.AEAD
	nonceKey []byte
}

func newSealer(key []byte) (sealer, error) {
	if len(key) != 32 {
		return sealer{}, fmt.Errorf("key must be 32 bytes (AES-256), got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return sealer{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return sealer{}, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("blockq attribute nonce"))
	return sealer{gcm: gcm, nonceKey: mac.Sum(nil)}, nil
}

// seal derives the nonce from the plaintext, so equal values encrypt to equal
// envelopes and the store can still compare Value with NewValue.
func (s sealer) seal(plaintext string) string {
	mac := hmac.New(sha256.New, s.nonceKey)
	mac.Write([]byte(plaintext))
	nonce := mac.Sum(nil)[:s.gcm.NonceSize()]
	out := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(out)
}

func (s sealer) open(ciphertext []byte) (string, error) {
	n := s.gcm.NonceSize()
	if len(ciphertext) < n {
		return "", errors.New("ciphertext too short")
	}
	plain, err := s.gcm.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

type encryptionMiddleware struct {
	next   ports.AttributeStore[string]
	active sealer
	// active first, then fallbacks
	keys []sealer
}

// NewEncryptionMiddleware creates a middleware that encrypts attribute values at rest
// using AES-GCM. Errors and block structure stay readable by the underlying store.
//
// While keys are being rotated, a value and a candidate sealed under different keys
// compare as different even when equal, so a Merge may keep a stale candidate.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	active, err := newSealer(config.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("active key: %w", err)
	}
	keys := []sealer{active}
	for i, k := range config.FallbackKeys {
		s, err := newSealer(k)
		if err != nil {
			return nil, fmt.Errorf("fallback key %d: %w", i, err)
		}
		keys = append(keys, s)
	}
	return func(next ports.AttributeStore[string]) ports.AttributeStore[string] {
		return &encryptionMiddleware{next: next, active: active, keys: keys}
	}, nil
}

func (m *encryptionMiddleware) Get(ctx context.Context, blockID domain.BlockID, name string) (domain.Attribute[string], error) {
	attr, err := m.next.Get(ctx, blockID, name)
	if err != nil {
		return attr, err
	}
	return m.openAttr(attr)
}

func (m *encryptionMiddleware) Set(ctx context.Context, blockID domain.BlockID, name string, patch domain.Patch[string]) (domain.Attribute[string], error) {
	if patch.NewValue != nil {
		sealed := m.active.seal(*patch.NewValue)
		patch.NewValue = &sealed
	}
	attr, err := m.next.Set(ctx, blockID, name, patch)
	if err != nil {
		return attr, err
	}
	return m.openAttr(attr)
}

func (m *encryptionMiddleware) Commit(ctx context.Context, blockID domain.BlockID, name string, value string) error {
	return m.next.Commit(ctx, blockID, name, m.active.seal(value))
}

func (m *encryptionMiddleware) Merge(ctx context.Context, blockID domain.BlockID, name string, value string) error {
	return m.next.Merge(ctx, blockID, name, m.active.seal(value))
}

func (m *encryptionMiddleware) Create(ctx context.Context, blockID domain.BlockID, name string, value string) error {
	return m.next.Create(ctx, blockID, name, m.active.seal(value))
}

func (m *encryptionMiddleware) Delete(ctx context.Context, blockID domain.BlockID) error {
	return m.next.Delete(ctx, blockID)
}

func (m *encryptionMiddleware) openAttr(attr domain.Attribute[string]) (domain.Attribute[string], error) {
	var err error
	if attr.Value, err = m.open(attr.Value); err != nil {
		return domain.Attribute[string]{}, fmt.Errorf("failed to decrypt value: %w", err)
	}
	if attr.NewValue, err = m.open(attr.NewValue); err != nil {
		return domain.Attribute[string]{}, fmt.Errorf("failed to decrypt candidate: %w", err)
	}
	return attr, nil
}

func (m *encryptionMiddleware) open(envelope string) (string, error) {
	encoded, ok := strings.CutPrefix(envelope, envelopePrefix)
	if !ok {
		// Fail secure: plaintext left by an unencrypted store is not trusted.
		return "", ErrNotEncrypted
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	for _, k := range m.keys {
		if plain, err := k.open(ciphertext); err == nil {
			return plain, nil
		}
	}
	return "", errors.New("decryption failed with all available keys")
}
