package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/Laisky/errors/v2"
	"golang.org/x/crypto/hkdf"
)

// Cipher encrypts and decrypts provider credentials at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// aesGCMCipher seals credentials with AES-256-GCM. The data key is derived
// from the configured master secret via HKDF-SHA256 so rotating the master
// secret invalidates every stored credential at once.
type aesGCMCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives an AEAD from masterKey. An empty masterKey is rejected
// so misconfigured deployments fail at startup instead of storing plaintext.
func NewAESCipher(masterKey string) (Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("credential cipher key must not be empty")
	}
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("aether-credential-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "derive data key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return &aesGCMCipher{aead: aead}, nil
}

func (c *aesGCMCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *aesGCMCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "decode ciphertext")
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Wrap(err, "open ciphertext")
	}
	return string(plain), nil
}

// Plaintext is a pass-through cipher for development environments without a
// configured master secret.
type Plaintext struct{}

func (Plaintext) Encrypt(s string) (string, error) { return s, nil }
func (Plaintext) Decrypt(s string) (string, error) { return s, nil }
