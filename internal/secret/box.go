// Package secret encrypts account credentials at rest.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Box encrypts and decrypts credential blobs.
type Box interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// ErrCiphertextTooShort is returned for blobs shorter than a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AESBox uses AES-256-GCM with a random nonce prepended to each blob.
type AESBox struct {
	aead cipher.AEAD
}

// NewAESBoxFromBase64Key creates an AESBox from a base64-encoded 32-byte key.
func NewAESBoxFromBase64Key(encodedKey string) (*AESBox, error) {
	if encodedKey == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESBox{aead: aead}, nil
}

// Seal encrypts plaintext and prepends the nonce.
func (b *AESBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := b.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Open decrypts a blob produced by Seal.
func (b *AESBox) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := b.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return plaintext, nil
}

// Plain stores blobs unencrypted. It exists for local development only.
type Plain struct{}

func (Plain) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (Plain) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
