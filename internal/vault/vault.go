package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Blob layout constants. The wire blob is base64(nonce ‖ tag ‖ ciphertext):
// keeping the tag ahead of the ciphertext lets truncation be detected by
// length alone before any cipher work.
const (
	// KeyLength is the required AES-256 key length in bytes.
	KeyLength = 32

	// nonceLength is the GCM nonce length in bytes (96 bits).
	nonceLength = 12

	// tagLength is the GCM authentication tag length in bytes.
	tagLength = 16
)

// Sentinel errors for vault operations.
var (
	// ErrInvalidKey is returned by New for a key of the wrong length.
	// This is a configuration error: callers should fail startup, not retry.
	ErrInvalidKey = errors.New("vault: encryption key must be 32 bytes")

	// ErrDecryptFailed is returned for any undecryptable blob: bad base64,
	// truncated input, tag mismatch, or wrong key. Callers must treat the
	// credential as unusable — never fall back to treating the blob as
	// plaintext.
	ErrDecryptFailed = errors.New("vault: decryption failed")
)

// Vault performs authenticated encryption of credential fields and
// one-way lookup hashing.
//
// A Vault is cheap and stateless after construction; all methods are safe
// for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte AES-256 key.
//
// Key material is supplied via process configuration; a wrong-length key
// returns ErrInvalidKey and must abort startup.
func New(key []byte) (*Vault, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh random 96-bit
// nonce and returns base64(nonce ‖ tag ‖ ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	// Seal returns ciphertext ‖ tag; the stored layout is nonce ‖ tag ‖ ciphertext.
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ctLen := len(sealed) - tagLength

	blob := make([]byte, 0, nonceLength+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed[ctLen:]...)
	blob = append(blob, sealed[:ctLen]...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any malformed or tampered blob fails with
// ErrDecryptFailed; the error intentionally carries no detail about which
// check failed.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(raw) < nonceLength+tagLength {
		return "", ErrDecryptFailed
	}

	nonce := raw[:nonceLength]
	tag := raw[nonceLength : nonceLength+tagLength]
	ciphertext := raw[nonceLength+tagLength:]

	// Reassemble ciphertext ‖ tag for Open.
	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}

// LookupHash computes the deterministic SHA-256 hex digest of a plaintext.
//
// The digest is a uniqueness index only (e.g. "this hub token is already
// registered") — plaintext is never recoverable from it, and it must never
// be used as an encryption substitute.
func LookupHash(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
