// Package recovery owns the vault key lifecycle: generating the random
// 256-bit vault key and wrapping it under independent secrets so it can
// be recovered after a lost passphrase.
//
// The vault key itself is CSPRNG output and never derived from any
// passphrase. Wrapping secrets only gate access to it. Losing every
// wrapping secret means permanent, irrecoverable data loss; that is the
// zero-knowledge trade-off, not a defect.
package recovery

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/havenid/haven/aead"
	"github.com/havenid/haven/kdf"
)

const (
	// VaultKeySize is the vault key length in bytes.
	VaultKeySize = 32

	// Wrap types name the secret an envelope is wrapped under.
	WrapTypePassphrase   = "passphrase"
	WrapTypeRecoveryCode = "recovery_code"
	WrapTypePasskey      = "passkey"
)

// WrongSecretError reports that an unwrap failed because the supplied
// secret does not match the envelope. The message is deliberately
// generic: callers must not be able to distinguish a wrong passphrase
// from a corrupted envelope.
type WrongSecretError struct{}

func (*WrongSecretError) Error() string {
	return "unable to unlock vault with the provided secret"
}

// Envelope is a vault key wrapped under a single secret. It is plain
// ciphertext: an external store persists it, this package never decides
// where.
type Envelope struct {
	WrapType   string                `json:"wrap_type"`
	Payload    aead.EncryptedPayload `json:"payload"`
	KDFSalt    string                `json:"kdf_salt"`
	Iterations int                   `json:"iterations"`
	CreatedAt  int64                 `json:"created_at"`
}

// Vault is the result of creating a fresh vault: one key, two
// independent envelopes, and the recovery code to display exactly once.
type Vault struct {
	VaultKey     []byte
	Envelopes    []*Envelope
	RecoveryCode string
}

// GenerateVaultKey generates a random 256-bit vault key.
func GenerateVaultKey() ([]byte, error) {
	key := make([]byte, VaultKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	return key, nil
}

// CreateVault generates a vault key and wraps it under the passphrase
// and under a fresh recovery code. Both envelopes unwrap to the
// identical key.
func CreateVault(passphrase []byte) (*Vault, error) {
	vaultKey, err := GenerateVaultKey()
	if err != nil {
		return nil, err
	}

	passEnv, err := Wrap(vaultKey, passphrase, WrapTypePassphrase)
	if err != nil {
		return nil, err
	}

	code, err := GenerateRecoveryCode()
	if err != nil {
		return nil, err
	}
	codeBytes, err := ParseRecoveryCode(code)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(codeBytes)

	codeEnv, err := Wrap(vaultKey, codeBytes, WrapTypeRecoveryCode)
	if err != nil {
		return nil, err
	}

	return &Vault{
		VaultKey:     vaultKey,
		Envelopes:    []*Envelope{passEnv, codeEnv},
		RecoveryCode: code,
	}, nil
}

// Wrap derives a wrapping key from secret with a fresh salt and seals
// the raw vault key bytes under it.
func Wrap(vaultKey, secret []byte, wrapType string) (*Envelope, error) {
	if len(vaultKey) != VaultKeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", VaultKeySize, len(vaultKey))
	}
	if len(secret) == 0 {
		return nil, errors.New("wrapping secret must not be empty")
	}

	salt, err := kdf.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	wrappingKey := kdf.Passphrase(secret, salt, kdf.PBKDF2Iterations)
	defer zeroBytes(wrappingKey)

	payload, err := aead.Encrypt(vaultKey, wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap vault key: %w", err)
	}

	return &Envelope{
		WrapType:   wrapType,
		Payload:    *payload,
		KDFSalt:    base64.StdEncoding.EncodeToString(salt),
		Iterations: kdf.PBKDF2Iterations,
		CreatedAt:  time.Now().Unix(),
	}, nil
}

// WrapWithKey seals the vault key directly under an already-derived
// wrapping key, recording the HKDF salt it was derived with. This is the
// passkey path, where the wrapping key comes from the authenticator PRF
// rather than PBKDF2.
func WrapWithKey(vaultKey, wrappingKey, hkdfSalt []byte, wrapType string) (*Envelope, error) {
	if len(vaultKey) != VaultKeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", VaultKeySize, len(vaultKey))
	}

	payload, err := aead.Encrypt(vaultKey, wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap vault key: %w", err)
	}

	return &Envelope{
		WrapType:  wrapType,
		Payload:   *payload,
		KDFSalt:   base64.StdEncoding.EncodeToString(hkdfSalt),
		CreatedAt: time.Now().Unix(),
	}, nil
}

// AddWrap creates an additional independent envelope of an existing
// vault key, e.g. when a passkey is enrolled after passphrase-only
// setup. It never replaces existing wraps: every previously working
// unlock path keeps working.
func AddWrap(vaultKey, secret []byte, wrapType string) (*Envelope, error) {
	return Wrap(vaultKey, secret, wrapType)
}

// Unwrap recovers the vault key from an envelope. Envelopes with a
// recorded iteration count stretch the secret through PBKDF2 first;
// envelopes without one (passkey wraps) treat the secret as an
// already-derived wrapping key.
func Unwrap(env *Envelope, secret []byte) ([]byte, error) {
	var wrappingKey []byte
	if env.Iterations > 0 {
		salt, err := base64.StdEncoding.DecodeString(env.KDFSalt)
		if err != nil {
			return nil, &WrongSecretError{}
		}
		wrappingKey = kdf.Passphrase(secret, salt, env.Iterations)
		defer zeroBytes(wrappingKey)
	} else {
		wrappingKey = secret
	}

	vaultKey, err := aead.Decrypt(&env.Payload, wrappingKey)
	if err != nil {
		return nil, &WrongSecretError{}
	}
	if len(vaultKey) != VaultKeySize {
		zeroBytes(vaultKey)
		return nil, &WrongSecretError{}
	}
	return vaultKey, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
