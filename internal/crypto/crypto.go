// Package crypto seals per-user secrets (bring-your-own provider API keys) at rest.
// Keys are derived per user from the relay master key using HKDF-SHA256 and
// secrets are sealed with AES-256-GCM. The user ID is bound as additional data,
// so a sealed value copied onto another user's row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived sealing key in bytes (256 bits)
	KeySize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes (96 bits)
	NonceSize = 12

	// CurrentVersion is the key version used for new seals.
	CurrentVersion = 1

	sealedPrefix = "v"
)

// ErrMalformedSealed is returned when a sealed value cannot be parsed.
var ErrMalformedSealed = errors.New("crypto: malformed sealed value")

// DeriveKey derives a per-user sealing key from a master key using HKDF-SHA256.
// info = "apikey:" + userID + ":v" + version
func DeriveKey(masterKey []byte, userID string, version int) []byte {
	info := fmt.Sprintf("apikey:%s:v%d", userID, version)

	// Salt is nil: the master key is already uniformly random.
	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte(info))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		// HKDF-SHA256 can produce 8160 bytes; 32 never fails.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}

// Encrypt seals plaintext with AES-256-GCM.
// Output format: nonce (12 bytes) || ciphertext || auth tag (16 bytes)
func Encrypt(key, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, additionalData)
	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result, nonce)
	copy(result[len(nonce):], ciphertext)
	return result, nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(key, sealed, additionalData []byte) ([]byte, error) {
	// Minimum size: nonce (12) + auth tag (16)
	if len(sealed) < NonceSize+16 {
		return nil, fmt.Errorf("sealed value too short: got %d bytes, need at least %d", len(sealed), NonceSize+16)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Sealer seals and opens per-user secrets as printable strings ("v1:<base64>").
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a Sealer from a 64-hex-character master key.
func NewSealer(masterKeyHex string) (*Sealer, error) {
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	return &Sealer{masterKey: masterKey}, nil
}

// Seal encrypts secret for userID.
func (s *Sealer) Seal(userID, secret string) (string, error) {
	key := DeriveKey(s.masterKey, userID, CurrentVersion)
	sealed, err := Encrypt(key, []byte(secret), []byte(userID))
	if err != nil {
		return "", err
	}
	return sealedPrefix + strconv.Itoa(CurrentVersion) + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same userID.
func (s *Sealer) Open(userID, value string) (string, error) {
	head, body, ok := strings.Cut(value, ":")
	if !ok || !strings.HasPrefix(head, sealedPrefix) {
		return "", ErrMalformedSealed
	}
	version, err := strconv.Atoi(strings.TrimPrefix(head, sealedPrefix))
	if err != nil || version < 1 {
		return "", ErrMalformedSealed
	}
	sealed, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return "", ErrMalformedSealed
	}
	key := DeriveKey(s.masterKey, userID, version)
	plaintext, err := Decrypt(key, sealed, []byte(userID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
