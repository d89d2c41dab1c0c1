// Package consent issues, validates and revokes the signed, scoped,
// time-boxed tokens that gate every access to vault-protected data. The
// authority is independent of the vault key material: it signs with its
// own secret and never sees plaintext.
package consent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenPrefix identifies a consent token on the wire:
// HCT:<base64url(JSON fields)>.<base64url(hmac_sha256_signature)>.
const TokenPrefix = "HCT"

// Fields is the signed body of a consent token. The signature covers
// the canonical serialization: JSON with exactly this field order.
// ExportKey is only present on export tokens and carries the single-use
// key a data recipient decrypts with.
type Fields struct {
	UserID    string `json:"userId"`
	AgentID   string `json:"agentId"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"issuedAt"`  // epoch-ms
	ExpiresAt int64  `json:"expiresAt"` // epoch-ms
	ExportKey string `json:"exportKey,omitempty"`
}

// encodeToken composes the wire form from canonical field bytes and a
// signature.
func encodeToken(fieldBytes, signature []byte) string {
	return TokenPrefix + ":" +
		base64.RawURLEncoding.EncodeToString(fieldBytes) + "." +
		base64.RawURLEncoding.EncodeToString(signature)
}

// splitToken splits a wire token into its canonical field bytes and
// signature without verifying anything.
func splitToken(token string) (fieldBytes, signature []byte, err error) {
	rest, ok := strings.CutPrefix(token, TokenPrefix+":")
	if !ok {
		return nil, nil, fmt.Errorf("missing %s prefix", TokenPrefix)
	}
	body, sig, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, nil, fmt.Errorf("missing signature separator")
	}
	fieldBytes, err = base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid field encoding: %w", err)
	}
	signature, err = base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return fieldBytes, signature, nil
}

// ParseFields decodes a token's field block without checking the
// signature. Export recipients use this to read the embedded export
// key; anything security-relevant must go through Authority.Validate.
func ParseFields(token string) (*Fields, error) {
	fieldBytes, _, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	var fields Fields
	if err := json.Unmarshal(fieldBytes, &fields); err != nil {
		return nil, fmt.Errorf("invalid field payload: %w", err)
	}
	return &fields, nil
}
