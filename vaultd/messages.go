package main

import "github.com/havenid/haven/aead"

// Vault operation names, the final token of the NATS subject
// haven.vault.<subject_id>.<op>.
const (
	OpCreate        = "create"
	OpUnlock        = "unlock"
	OpLock          = "lock"
	OpEncrypt       = "encrypt"
	OpDecrypt       = "decrypt"
	OpIssueToken    = "token.issue"
	OpValidateToken = "token.validate"
	OpRevokeToken   = "token.revoke"
	OpExport        = "export"
)

// Unlock methods accepted on the wire
const (
	MethodPasskey      = "passkey"
	MethodPassphrase   = "passphrase"
	MethodRecoveryCode = "recovery_code"
)

// CreateVaultRequest is the payload for vault.create
type CreateVaultRequest struct {
	Passphrase string `json:"passphrase"`
}

// CreateVaultResponse returns the one-time recovery code. It is shown
// to the user exactly once and never stored by the daemon.
type CreateVaultResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

// UnlockRequest is the payload for vault.unlock
type UnlockRequest struct {
	Method       string `json:"method"`
	Passphrase   string `json:"passphrase,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
}

// UnlockResponse is the response for vault.unlock
type UnlockResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	State     string `json:"state"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // epoch-ms
}

// LockResponse is the response for vault.lock
type LockResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
}

// EncryptRequest is the payload for vault.encrypt
type EncryptRequest struct {
	Plaintext string `json:"plaintext"` // base64
}

// EncryptResponse is the response for vault.encrypt
type EncryptResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Payload *aead.EncryptedPayload `json:"payload,omitempty"`
}

// DecryptRequest is the payload for vault.decrypt. Every decrypt is
// gated by a consent token scoped to the attribute being read.
type DecryptRequest struct {
	Payload *aead.EncryptedPayload `json:"payload"`
	Token   string                 `json:"token"`
	Scope   string                 `json:"scope"`
}

// DecryptResponse is the response for vault.decrypt
type DecryptResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Plaintext string `json:"plaintext,omitempty"` // base64
}

// IssueTokenRequest is the payload for vault.token.issue
type IssueTokenRequest struct {
	AgentID   string `json:"agent_id"`
	Scope     string `json:"scope"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
}

// IssueTokenResponse is the response for vault.token.issue
type IssueTokenResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ValidateTokenRequest is the payload for vault.token.validate
type ValidateTokenRequest struct {
	Token string `json:"token"`
	Scope string `json:"scope,omitempty"`
}

// ValidateTokenResponse is the response for vault.token.validate
type ValidateTokenResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// RevokeTokenRequest is the payload for vault.token.revoke
type RevokeTokenRequest struct {
	Token string `json:"token"`
}

// RevokeTokenResponse is the response for vault.token.revoke
type RevokeTokenResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ExportRequest is the payload for vault.export
type ExportRequest struct {
	Payload   *aead.EncryptedPayload `json:"payload"`
	AgentID   string                 `json:"agent_id"`
	Scope     string                 `json:"scope"`
	TTLMillis int64                  `json:"ttl_ms,omitempty"`
}

// ExportResponse is the response for vault.export
type ExportResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Payload *aead.EncryptedPayload `json:"payload,omitempty"`
	Token   string                 `json:"token,omitempty"`
}
