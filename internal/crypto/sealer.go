// Package crypto seals payment receipts with AES-256-GCM before they are
// written to the receipt archive. Receipts carry customer email addresses and
// may be stored in third-party buckets, so the archive never holds them in
// the clear once a passphrase is configured.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is fixed: changing it makes existing receipts unreadable.
const pbkdf2Iterations = 210000

// sealedMagic prefixes every sealed blob so Open can tell sealed receipts
// from ones archived before encryption was enabled.
var sealedMagic = []byte("USIOSEAL1")

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrSaltTooShort is returned when the salt is shorter than 16 bytes.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
	// ErrNotSealed is returned by Open for data without the sealed header.
	ErrNotSealed = errors.New("crypto: data is not sealed")
	// ErrCiphertextCorrupted is returned when sealed data is truncated.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

// Sealer encrypts and decrypts receipt bodies
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// DeriveSealer derives the key from a passphrase with PBKDF2-SHA256
func DeriveSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase is required")
	}
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	return NewSealer(pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New))
}

// Seal returns magic || nonce || ciphertext
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	rest := sealed[len(sealedMagic):]

	nonceLen := s.aead.NonceSize()
	if len(rest) < nonceLen+s.aead.Overhead() {
		return nil, ErrCiphertextCorrupted
	}

	plaintext, err := s.aead.Open(nil, rest[:nonceLen], rest[nonceLen:], sealedMagic)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed header
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}
