// Package vault implements per-user envelope encryption for stored
// credentials. Each user's key is derived from a process-wide master key and
// the user's random vault salt, so a leaked ciphertext is useless without
// both the master key and the owning user's salt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
)

const (
	// MasterKeySize is the size of the process-wide master key in bytes.
	MasterKeySize = 32

	// SaltSize is the size of a per-user vault salt in bytes.
	SaltSize = 32

	// ivSize is the AES-GCM nonce size.
	ivSize = 12

	// kdfInfo namespaces derived keys to this vault.
	kdfInfo = "ambassador-credential-vault"
)

// Vault encrypts and decrypts credential blobs under per-user derived keys.
// It is safe for concurrent use; the master key is immutable for the
// lifetime of the Vault.
type Vault struct {
	masterKey []byte
}

// New creates a Vault from a 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, errors.NewValidationError(
			fmt.Sprintf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey)), nil)
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &Vault{masterKey: key}, nil
}

// NewSalt returns a fresh random vault salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate vault salt: %w", err)
	}
	return salt, nil
}

// deriveKey derives the per-user AES key via HKDF-SHA256. Callers must zero
// the returned key when finished.
func (v *Vault) deriveKey(vaultSalt []byte) ([]byte, error) {
	if len(vaultSalt) == 0 {
		return nil, errors.NewValidationError("vault salt is required", nil)
	}
	key := make([]byte, MasterKeySize)
	kdf := hkdf.New(sha256.New, v.masterKey, vaultSalt, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive user key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under the user's derived key. It returns the
// ciphertext (including the 16-byte GCM tag) and the random 12-byte IV.
func (v *Vault) Encrypt(vaultSalt, plaintext []byte) (ciphertext, iv []byte, err error) {
	key, err := v.deriveKey(vaultSalt)
	if err != nil {
		return nil, nil, err
	}
	defer zero(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong salt, wrong IV or
// any ciphertext mutation yields a decryption_failed error.
func (v *Vault) Decrypt(vaultSalt, ciphertext, iv []byte) ([]byte, error) {
	key, err := v.deriveKey(vaultSalt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(iv) != ivSize {
		return nil, errors.NewDecryptionFailedError("invalid IV length", nil)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, errors.NewDecryptionFailedError("credential decryption failed", err)
	}
	return plaintext, nil
}

// ReEncrypt decrypts a ciphertext with this vault and seals it again under
// newVault. Used during master key rotation.
func (v *Vault) ReEncrypt(newVault *Vault, vaultSalt, ciphertext, iv []byte) (newCiphertext, newIV []byte, err error) {
	plaintext, err := v.Decrypt(vaultSalt, ciphertext, iv)
	if err != nil {
		return nil, nil, err
	}
	defer zero(plaintext)

	return newVault.Encrypt(vaultSalt, plaintext)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
