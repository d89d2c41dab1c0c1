// Package export re-encrypts vault-protected data for an approved
// data-sharing consent. The payload is decrypted with the vault key,
// re-encrypted under a fresh single-use export key, and the export key
// travels inside the issued consent token. The two endpoints are the
// only parties that ever see plaintext; the recipient never learns the
// vault key.
package export

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/havenid/haven/aead"
	"github.com/havenid/haven/consent"
)

// Bridge performs consent-gated re-encryption.
type Bridge struct {
	authority *consent.Authority
}

// NewBridge creates a bridge issuing export tokens through authority.
func NewBridge(authority *consent.Authority) *Bridge {
	return &Bridge{authority: authority}
}

// Grant is the result of an approved export: the re-encrypted payload
// plus the scoped token carrying the export key.
type Grant struct {
	Payload *aead.EncryptedPayload
	Token   string
}

// Export decrypts payload with the vault key, generates a single-use
// export key, re-encrypts under it, and issues a scoped token embedding
// the export key. The vault key never leaves this call.
func (b *Bridge) Export(vaultKey []byte, payload *aead.EncryptedPayload, subjectID, agentID, scope string, ttl time.Duration) (*Grant, error) {
	plaintext, err := aead.Decrypt(payload, vaultKey)
	if err != nil {
		return nil, fmt.Errorf("cannot export: %w", err)
	}
	defer zeroBytes(plaintext)

	exportKey := make([]byte, aead.KeySize)
	if _, err := rand.Read(exportKey); err != nil {
		return nil, fmt.Errorf("failed to generate export key: %w", err)
	}
	defer zeroBytes(exportKey)

	reencrypted, err := aead.Encrypt(plaintext, exportKey)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encrypt for export: %w", err)
	}

	token, err := b.authority.IssueExport(subjectID, agentID, scope, ttl, exportKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue export token: %w", err)
	}

	return &Grant{Payload: reencrypted, Token: token}, nil
}

// Open decrypts an exported payload on the receiving side using only
// the export key embedded in the token.
func Open(token string, payload *aead.EncryptedPayload) ([]byte, error) {
	fields, err := consent.ParseFields(token)
	if err != nil {
		return nil, fmt.Errorf("invalid export token: %w", err)
	}
	if fields.ExportKey == "" {
		return nil, errors.New("token carries no export key")
	}

	exportKey, err := base64.RawURLEncoding.DecodeString(fields.ExportKey)
	if err != nil {
		return nil, errors.New("token export key is malformed")
	}
	defer zeroBytes(exportKey)

	return aead.Decrypt(payload, exportKey)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
