// Package crypto implements the optional content encryptor (spec §4.1):
// AES-256-GCM with a key derived via HKDF from a master secret. The
// stored form is base64(iv) ":" base64(ciphertext); a no-op encryptor
// passes plaintext through untouched so channels can opt out.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Encryptor transparently encrypts/decrypts message content on write/read
// (spec §4.1).
type Encryptor interface {
	Encrypt(plaintext string) (stored string, err error)
	Decrypt(stored string) (plaintext string, err error)
	// Enabled reports whether this encryptor actually transforms content,
	// so callers can set the MC.encrypted flag correctly.
	Enabled() bool
}

// NoopEncryptor returns its input unchanged; Decrypt(Encrypt(x)) == x
// trivially, and Enabled() is always false.
type NoopEncryptor struct{}

func (NoopEncryptor) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (NoopEncryptor) Decrypt(stored string) (string, error)    { return stored, nil }
func (NoopEncryptor) Enabled() bool                            { return false }

// aesGCMEncryptor implements Encryptor with AES-256-GCM.
type aesGCMEncryptor struct {
	gcm cipher.AEAD
}

// NewAESGCM derives a 32-byte key from masterSecret via HKDF-SHA256 using
// info as the context label (so different subsystems sharing one master
// secret still get independent keys), and returns an Encryptor backed by
// AES-256-GCM.
func NewAESGCM(masterSecret []byte, info string) (Encryptor, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("crypto: master secret must not be empty")
	}
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aesGCMEncryptor{gcm: gcm}, nil
}

func (e *aesGCMEncryptor) Enabled() bool { return true }

func (e *aesGCMEncryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	ciphertext := e.gcm.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *aesGCMEncryptor) Decrypt(stored string) (string, error) {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("crypto: malformed stored content, expected iv:ciphertext")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", err
	}
	plaintext, err := e.gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
