// Package security provides the cryptographic core: AES-256-GCM with the
// case metadata bound in as associated data, HKDF key derivation from a
// per-container master key, RSA signatures, and passphrase key wrapping.
//
// The design rule is that no encryption key is ever stored next to its
// ciphertext. Blob keys are derived from the container master key with
// domain-separated labels, and the master key itself only leaves memory
// wrapped under a passphrase (see keyslot.go).
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors.
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrInvalidKeySize      = errors.New("security: invalid key size")

	// ErrIntegrity is the sentinel wrapped by every IntegrityError. Callers
	// match it with errors.Is to distinguish tampering from other failures.
	ErrIntegrity = errors.New("security: integrity check failed")
)

// KeySize is the AES-256 key size in bytes. All keys in the system,
// master and derived, are this size.
const KeySize = 32

// nonceSize is the standard GCM nonce size.
const nonceSize = 12

// tagSize is the GCM authentication tag size.
const tagSize = 16

// IntegrityError reports an AEAD authentication failure: either the
// ciphertext was modified or the associated data (the canonical metadata
// string) does not match what the blob was sealed under.
type IntegrityError struct {
	Context string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("security: decryption failed for %s: data tampered or metadata mismatch", e.Context)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// EncryptedBlob is the wire form of one sealed payload. All binary fields
// are base64 in JSON; the metadata hash is hex so a human can compare it
// against a recomputed digest without decoding anything.
type EncryptedBlob struct {
	Ciphertext   []byte `json:"ciphertext"`
	Nonce        []byte `json:"nonce"`
	Tag          []byte `json:"tag"`
	MetadataHash string `json:"metadata_hash"`
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveBlobKey derives a per-purpose key from the container master key
// using HKDF-SHA256. The label ("raw", "watermarked", "chain") separates
// the domains so a key recovered for one blob is useless for the others.
func DeriveBlobKey(masterKey []byte, label string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, want %d", ErrInvalidKeySize, len(masterKey), KeySize)
	}
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("pfeics:"+label))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("security: key derivation failed: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM, binding the associated data
// into the authentication tag without encrypting it.
func Encrypt(key, plaintext []byte, associatedData string) (*EncryptedBlob, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(associatedData))
	split := len(sealed) - tagSize

	adHash := sha256.Sum256([]byte(associatedData))
	return &EncryptedBlob{
		Ciphertext:   sealed[:split],
		Nonce:        nonce,
		Tag:          sealed[split:],
		MetadataHash: hex.EncodeToString(adHash[:]),
	}, nil
}

// Decrypt opens a blob. The associated data must match what Encrypt was
// given byte for byte, otherwise the result is an IntegrityError.
func Decrypt(key []byte, blob *EncryptedBlob, associatedData string, context string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob.Nonce) != nonceSize || len(blob.Tag) != tagSize {
		return nil, &IntegrityError{Context: context}
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+tagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)

	plaintext, err := aead.Open(nil, blob.Nonce, sealed, []byte(associatedData))
	if err != nil {
		return nil, &IntegrityError{Context: context}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites sensitive data in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
