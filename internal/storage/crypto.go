package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmMagic         = "GCM3NCR0"
	saltSize         = 16
	nonceSize        = 12
	pbkdf2Iterations = 100000
)

// Encrypt seals data with AES-256-GCM under a PBKDF2 key.
// Format: magic(8) + salt(16) + nonce(12) + ciphertext + tag(16).
func Encrypt(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(gcmMagic)+saltSize+nonceSize+len(data)+gcm.Overhead())
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(data []byte, password string) ([]byte, error) {
	if len(data) < len(gcmMagic)+saltSize+nonceSize+16 {
		return nil, fmt.Errorf("encrypted data too short: %d bytes", len(data))
	}
	if string(data[:len(gcmMagic)]) != gcmMagic {
		return nil, fmt.Errorf("unknown encryption format")
	}
	salt := data[8:24]
	nonce := data[24:36]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, data[36:], nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plain, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypted wraps a backend so everything at rest is sealed.
type Encrypted struct {
	inner    Documents
	password string
}

func NewEncrypted(inner Documents, password string) *Encrypted {
	return &Encrypted{inner: inner, password: password}
}

func (e *Encrypted) Put(ctx context.Context, key string, data []byte, meta Meta) (string, error) {
	sealed, err := Encrypt(data, e.password)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt data: %w", err)
	}
	return e.inner.Put(ctx, key, sealed, meta)
}

func (e *Encrypted) Get(ctx context.Context, location string) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	plain, err := Decrypt(sealed, e.password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", location, err)
	}
	return plain, nil
}

func (e *Encrypted) Delete(ctx context.Context, location string) error {
	return e.inner.Delete(ctx, location)
}

func (e *Encrypted) Ping(ctx context.Context) error {
	if p, ok := e.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
