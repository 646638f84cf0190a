// Package identity derives the two values the platform is allowed to keep for
// a patient phone number: a one-way lookup hash and an authenticated
// reversible ciphertext for send-back.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPhone is returned when the input cannot be normalized to E.164.
	ErrInvalidPhone = errors.New("identity: invalid phone number")
	// ErrDecryptFailed is returned when a ciphertext fails authentication.
	ErrDecryptFailed = errors.New("identity: decrypt failed")
)

// Codec computes phone hashes and encrypts/decrypts phone numbers.
// Key material is loaded once at startup and never rotated in-process;
// ciphertexts carry the key id so rotation can be layered later.
type Codec struct {
	salt  []byte
	aead  cipher.AEAD
	keyID string
}

// NewCodec builds a Codec from the hash salt and a 32-byte encryption key.
// The key may be supplied raw, hex, or base64 encoded.
func NewCodec(salt, key, keyID string) (*Codec, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, errors.New("identity: phone hash salt required")
	}
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm init: %w", err)
	}
	if keyID == "" {
		keyID = "v1"
	}
	return &Codec{salt: []byte(salt), aead: aead, keyID: keyID}, nil
}

// Hash returns the deterministic lookup hash for a phone number.
// Safe to log and store; not reversible.
func (c *Codec) Hash(phone string) (string, error) {
	normalized := NormalizeE164(phone)
	if normalized == "" {
		return "", ErrInvalidPhone
	}
	mac := hmac.New(sha256.New, c.salt)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Encrypt returns the reversible ciphertext for a phone number, formatted as
// "enc:<keyID>:<base64(nonce||ciphertext)>".
func (c *Codec) Encrypt(phone string) (string, error) {
	normalized := NormalizeE164(phone)
	if normalized == "" {
		return "", ErrInvalidPhone
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("identity: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(normalized), []byte(c.keyID))
	return "enc:" + c.keyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt recovers the plaintext E.164 number from a ciphertext produced by
// Encrypt. The caller never logs the result.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[0] != "enc" {
		return "", ErrDecryptFailed
	}
	keyID := parts[1]
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(sealed) < c.aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, data := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, data, []byte(keyID))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// KeyID reports the active encryption key identifier.
func (c *Codec) KeyID() string { return c.keyID }

func decodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("identity: phone encryption key required")
	}
	if len(key) == 64 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == 32 {
		return raw, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, errors.New("identity: phone encryption key must decode to 32 bytes")
}
