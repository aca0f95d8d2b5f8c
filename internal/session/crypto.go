package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// saltLen is the random per-token salt length in bytes.
	saltLen = 16
)

// TokenCipher encrypts and decrypts the refresh token for at-rest
// storage. The key is derived from the user's password with scrypt
// using a random per-encryption salt; the payload is AES-256-GCM.
// Wire format: hex([16-byte salt][12-byte nonce][ciphertext+tag]).
type TokenCipher struct {
	password string
}

// NewTokenCipher creates a cipher bound to the given password. The
// password is normalized to NFKC before key derivation so visually
// identical inputs derive identical keys.
func NewTokenCipher(password string) *TokenCipher {
	return &TokenCipher{password: norm.NFKC.String(password)}
}

// deriveKey derives a 32-byte key from the cipher's password and a salt.
func (c *TokenCipher) deriveKey(salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(c.password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// zeroKey overwrites key material once it is no longer needed.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// Encrypt seals a plaintext token for storage.
func (c *TokenCipher) Encrypt(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	defer zeroKey(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(token), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return hex.EncodeToString(out), nil
}

// Decrypt unwraps a stored token. A wrong password surfaces as a GCM
// authentication failure.
func (c *TokenCipher) Decrypt(encrypted string) (string, error) {
	data, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decoding stored token: %w", err)
	}

	if len(data) < saltLen {
		return "", fmt.Errorf("stored token too short: %d bytes", len(data))
	}

	salt := data[:saltLen]

	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	defer zeroKey(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	rest := data[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("stored token too short: %d bytes", len(data))
	}

	nonce := rest[:gcm.NonceSize()]

	plaintext, err := gcm.Open(nil, nonce, rest[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting stored token: %w", err)
	}

	return string(plaintext), nil
}
