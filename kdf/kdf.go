// Package kdf converts a secret source into a 256-bit symmetric key.
//
// Two interchangeable unlock variants exist: a hardware-backed passkey
// PRF evaluation expanded through HKDF-SHA256, and a passphrase stretched
// through PBKDF2-HMAC-SHA256. Both derive a *wrapping* key that unwraps a
// separately generated vault key, so passphrase strength never bounds
// vault-key entropy.
package kdf

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length in bytes.
	KeySize = 32

	// SaltSize is the persisted random salt length in bytes.
	SaltSize = 16

	// PBKDF2Iterations is the passphrase stretching cost. Changing it
	// only affects envelopes wrapped after the change; every envelope
	// records the iteration count it was created with.
	PBKDF2Iterations = 200_000

	// hkdfInfo is the fixed domain-separation info string for the
	// passkey PRF expansion.
	hkdfInfo = "haven/vault-wrap-key/v1"

	// prfInputPrefix is prepended to the subject ID to form the PRF
	// evaluation input, so outputs are bound to this protocol.
	prfInputPrefix = "haven/prf/v1:"
)

// CapabilityError reports a missing platform primitive, such as an
// authenticator without the PRF extension. Callers recover by falling
// back to the next secret source in the chain.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("platform capability unavailable: %s", e.Capability)
}

// Authenticator is the platform passkey collaborator. EvaluatePRF runs
// the authenticator's pseudo-random function extension over input, bound
// to the given credential.
type Authenticator interface {
	SupportsPRF() bool
	EvaluatePRF(ctx context.Context, credentialID string, input []byte) ([]byte, error)
}

// SecretSource is the closed set of unlock variants. Each variant knows
// how to derive its own wrapping key; callers never inspect the concrete
// type at runtime.
type SecretSource interface {
	// WrapType names the recovery envelope this source unlocks.
	WrapType() string

	derive(ctx context.Context, s *Service) ([]byte, error)
}

// PassphraseSource derives a wrapping key from a low-entropy passphrase
// via PBKDF2. Salt and Iterations normally come from the envelope the
// key will unwrap.
type PassphraseSource struct {
	Passphrase []byte
	Salt       []byte
	Iterations int

	// Wrap overrides the envelope wrap type. A recovery code is a
	// PassphraseSource over the decoded code bytes with Wrap set to the
	// recovery-code wrap type.
	Wrap string
}

func (s *PassphraseSource) WrapType() string {
	if s.Wrap != "" {
		return s.Wrap
	}
	return "passphrase"
}

func (s *PassphraseSource) derive(_ context.Context, _ *Service) ([]byte, error) {
	iterations := s.Iterations
	if iterations == 0 {
		iterations = PBKDF2Iterations
	}
	return Passphrase(s.Passphrase, s.Salt, iterations), nil
}

// PasskeySource derives a wrapping key from a hardware authenticator PRF
// evaluation expanded through HKDF-SHA256.
type PasskeySource struct {
	CredentialID string
	SubjectID    string
	Salt         []byte
}

func (s *PasskeySource) WrapType() string { return "passkey" }

func (s *PasskeySource) derive(ctx context.Context, svc *Service) ([]byte, error) {
	if svc.authenticator == nil || !svc.authenticator.SupportsPRF() {
		return nil, &CapabilityError{Capability: "authenticator PRF extension"}
	}

	prfOut, err := svc.authenticator.EvaluatePRF(ctx, s.CredentialID, []byte(prfInputPrefix+s.SubjectID))
	if err != nil {
		return nil, fmt.Errorf("PRF evaluation failed: %w", err)
	}
	defer zeroBytes(prfOut)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, prfOut, s.Salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	return key, nil
}

// Service dispatches derivation over the closed set of secret sources.
type Service struct {
	authenticator Authenticator
}

// NewService creates a derivation service. authenticator may be nil when
// the platform has no passkey support; passkey sources then fail with
// CapabilityError and the chain falls through to the passphrase path.
func NewService(authenticator Authenticator) *Service {
	return &Service{authenticator: authenticator}
}

// Derive produces a 32-byte wrapping key from the given source.
func (s *Service) Derive(ctx context.Context, source SecretSource) ([]byte, error) {
	return source.derive(ctx, s)
}

// DeriveChain tries sources in order, falling through to the next one
// only on CapabilityError. Any other failure stops the chain: a wrong
// secret is an answer, not a missing capability.
func (s *Service) DeriveChain(ctx context.Context, sources ...SecretSource) ([]byte, error) {
	var capErr error
	for _, source := range sources {
		key, err := source.derive(ctx, s)
		if err == nil {
			return key, nil
		}
		if _, ok := err.(*CapabilityError); !ok {
			return nil, err
		}
		capErr = err
	}
	if capErr != nil {
		return nil, capErr
	}
	return nil, fmt.Errorf("no secret sources provided")
}

// Passphrase stretches a passphrase into a 32-byte key with
// PBKDF2-HMAC-SHA256.
func Passphrase(passphrase, salt []byte, iterations int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
}

// GenerateSalt generates a random 16-byte salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
