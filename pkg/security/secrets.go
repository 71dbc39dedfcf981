package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the AES-256 key length
const KeySize = 32

// VaultPrefix marks an encrypted config value
const VaultPrefix = "$stackman_vault$"

// SecretsManager encrypts config values with AES-256-GCM
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager creates a codec for a 32-byte key
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretsManager{aead: aead}, nil
}

// seal returns nonce|ciphertext|tag
func (sm *SecretsManager) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sm.aead.NonceSize(), sm.aead.NonceSize()+len(plaintext)+sm.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return sm.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (sm *SecretsManager) open(sealed []byte) ([]byte, error) {
	n := sm.aead.NonceSize()
	if len(sealed) < n+sm.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := sm.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether s was produced by EncryptValue
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, VaultPrefix)
}

// EncryptValue encrypts a config string into its stored form.
// Empty strings and values this key already sealed are returned unchanged;
// anything else carrying the vault prefix is encrypted like plain text.
func (sm *SecretsManager) EncryptValue(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}
	if IsEncrypted(plaintext) {
		if _, err := sm.DecryptValue(plaintext); err == nil {
			return plaintext, nil
		}
	}
	sealed, err := sm.seal([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt value: %w", err)
	}
	return VaultPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue. Plain strings are returned unchanged.
func (sm *SecretsManager) DecryptValue(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, VaultPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode value: %w", err)
	}
	plaintext, err := sm.open(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// LoadOrCreateKeyFile reads a 32-byte key from path, generating and writing a
// random one when the file does not exist
func LoadOrCreateKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s must hold %d bytes, got %d", path, KeySize, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
