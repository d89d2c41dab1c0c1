// Package aead provides authenticated encryption of arbitrary payloads
// under a 256-bit symmetric key. It has no key management: callers own
// the key lifecycle, this package owns the wire format.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// Algorithm is the only AEAD this codec speaks on the wire.
	Algorithm = "aes-256-gcm"

	// Encoding is the field encoding of EncryptedPayload.
	Encoding = "base64"

	// KeySize is the required symmetric key length in bytes.
	KeySize = 32

	ivSize  = 12
	tagSize = 16
)

// EncryptedPayload is the wire form of an encrypted blob. Ciphertext, IV
// and tag are base64-encoded separately so consumers can store or
// transport them as plain JSON.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"algorithm"`
	Encoding   string `json:"encoding"`
}

// DecryptionError is returned for every decryption failure: tag mismatch,
// malformed encoding, wrong key, wrong algorithm. It deliberately carries
// no detail about which check failed.
type DecryptionError struct{}

func (*DecryptionError) Error() string {
	return "payload decryption failed"
}

// Encrypt seals plaintext under key with a fresh random IV.
//
// IV uniqueness per key relies on randomness: with 96-bit IVs the
// birthday bound stays negligible below ~2^32 encryptions per key, far
// beyond what a single vault key ever sees.
func Encrypt(plaintext, key []byte) (*EncryptedPayload, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Algorithm:  Algorithm,
		Encoding:   Encoding,
	}, nil
}

// Decrypt opens a payload sealed by Encrypt. It fails closed: any
// mismatch yields *DecryptionError and never partial plaintext.
func Decrypt(payload *EncryptedPayload, key []byte) ([]byte, error) {
	if payload == nil || payload.Algorithm != Algorithm || payload.Encoding != Encoding {
		return nil, &DecryptionError{}
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, &DecryptionError{}
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil || len(iv) != ivSize {
		return nil, &DecryptionError{}
	}
	tag, err := base64.StdEncoding.DecodeString(payload.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, &DecryptionError{}
	}

	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, &DecryptionError{}
	}

	return plaintext, nil
}

// Seal encrypts value under key with the IV prepended to the raw
// ciphertext. It is the compact form used for at-rest storage where the
// JSON wire shape would only add overhead.
func Seal(value, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return aead.Seal(iv, iv, value, nil), nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < ivSize {
		return nil, &DecryptionError{}
	}

	plaintext, err := aead.Open(nil, sealed[:ivSize], sealed[ivSize:], nil)
	if err != nil {
		return nil, &DecryptionError{}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
