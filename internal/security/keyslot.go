package security

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for passphrase-derived key-encryption keys. These
// are recorded in the keyslot so old containers stay openable if the
// defaults change.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	saltSize     = 16
)

// keyslotContext labels the AEAD binding for wrapped master keys.
const keyslotContext = "pfeics:keyslot:v1"

// KeySlot is the portable wrapped form of a container master key. It is
// the only key material that travels inside an exported archive; without
// the passphrase it is indistinguishable from random bytes.
type KeySlot struct {
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Wrapped []byte `json:"wrapped"`
	Tag     []byte `json:"tag"`

	Time    uint32 `json:"argon2_time"`
	Memory  uint32 `json:"argon2_memory_kib"`
	Threads uint8  `json:"argon2_threads"`
}

// WrapMasterKey seals the master key under a passphrase-derived key.
func WrapMasterKey(masterKey []byte, passphrase string) (*KeySlot, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, want %d", ErrInvalidKeySize, len(masterKey), KeySize)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("security: empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}

	kek := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
	defer Wipe(kek)

	blob, err := Encrypt(kek, masterKey, keyslotContext)
	if err != nil {
		return nil, err
	}

	return &KeySlot{
		Salt:    salt,
		Nonce:   blob.Nonce,
		Wrapped: blob.Ciphertext,
		Tag:     blob.Tag,
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
	}, nil
}

// UnwrapMasterKey recovers the master key. A wrong passphrase surfaces as
// an IntegrityError, same as a tampered slot; the two are not
// distinguishable and that is intentional.
func (s *KeySlot) UnwrapMasterKey(passphrase string) ([]byte, error) {
	kek := argon2.IDKey([]byte(passphrase), s.Salt, s.Time, s.Memory, s.Threads, KeySize)
	defer Wipe(kek)

	blob := &EncryptedBlob{Ciphertext: s.Wrapped, Nonce: s.Nonce, Tag: s.Tag}
	return Decrypt(kek, blob, keyslotContext, "keyslot")
}
