package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// SigningKeyBits is the RSA modulus size for examiner keys.
const SigningKeyBits = 4096

// SignatureError reports a failed signature verification.
type SignatureError struct {
	Context string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("security: signature verification failed for %s", e.Context)
}

// GenerateSigningKey creates a new RSA-4096 examiner keypair.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, SigningKeyBits)
	if err != nil {
		return nil, fmt.Errorf("security: keypair generation failed: %w", err)
	}
	return key, nil
}

// Sign produces an RSA PKCS#1 v1.5 signature over the SHA-256 digest of data.
func Sign(data []byte, key *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("security: signing failed: %w", err)
	}
	return sig, nil
}

// VerifySignature checks sig against data. A nil error means the signature
// is valid for this public key.
func VerifySignature(data, sig []byte, pub *rsa.PublicKey, context string) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return &SignatureError{Context: context}
	}
	return nil
}
