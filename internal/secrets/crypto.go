package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyDerivationIterations = 600_000
	keyLength               = 32
)

// keyDerivationSalt is fixed so that the same passphrase always derives
// the same key. Changing it invalidates every stored ciphertext.
var keyDerivationSalt = []byte("open-cnapp-aggregator-v1")

// Cipher encrypts and decrypts tenant secrets with AES-256-GCM. The key
// is derived once from the application passphrase; construction is
// deliberately slow, Encrypt and Decrypt are not.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from passphrase via PBKDF2-SHA256.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secrets: passphrase is required")
	}
	key := pbkdf2.Key([]byte(passphrase), keyDerivationSalt, keyDerivationIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a URL-safe base64 string with the
// random nonce prepended to the ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails when the ciphertext was produced
// under a different passphrase or has been tampered with.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("secrets: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}
