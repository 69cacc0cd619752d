package shared

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrSecretKey indicates a missing or malformed encryption key.
var ErrSecretKey = errors.New("shared: secret key must be 32 bytes base64")

// ErrDecrypt indicates a ciphertext that fails authentication.
var ErrDecrypt = NewError(KindIntegrity, "DecryptFailed", "shared: ciphertext cannot be decrypted")

// Sealer encrypts stored credentials (Odoo passwords, SAT secrets).
type Sealer struct {
	key [32]byte
}

// NewSealer decodes a base64 key into a Sealer.
func NewSealer(encodedKey string) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrSecretKey
	}
	var s Sealer
	copy(s.key[:], raw)
	return &s, nil
}

// Seal encrypts plaintext with a random nonce prefix.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("shared: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plain, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
