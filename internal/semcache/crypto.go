package semcache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptedPrefix marks an encrypted payload: ENC:base64(nonce|ciphertext|tag).
const EncryptedPrefix = "ENC:"

const keySize = 32

var (
	ErrDecrypt = errors.New("payload decryption failed")
	ErrWeakKey = errors.New("cache encryption secret must be at least 16 bytes")
)

var hkdfSalt = []byte("tierd/semcache/v1")

// Cipher encrypts payloads with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from secret with HKDF-SHA256.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) < 16 {
		return nil, ErrWeakKey
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hkdfSalt, []byte("payload")), key); err != nil {
		return nil, fmt.Errorf("deriving cache key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext. The entry id is bound as additional data so a
// payload cannot be moved to another entry.
func (c *Cipher) Encrypt(plaintext, entryID string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(entryID))
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same entry id.
func (c *Cipher) Decrypt(value, entryID string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return "", fmt.Errorf("%w: missing %s prefix", ErrDecrypt, EncryptedPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(entryID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
