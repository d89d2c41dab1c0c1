package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Default TTLs when Issue is called with ttl == 0. Master-scope tokens
// deliberately live shorter than delegated scoped tokens.
const (
	DefaultMasterTTL = 15 * time.Minute
	DefaultScopedTTL = time.Hour
)

// Reason is the discriminated outcome of a failed validation. These are
// frequent expected results on the hot path, not errors.
type Reason string

const (
	ReasonExpired       Reason = "expired"
	ReasonBadSignature  Reason = "bad_signature"
	ReasonRevoked       Reason = "revoked"
	ReasonScopeMismatch Reason = "scope_mismatch"
	ReasonMalformed     Reason = "malformed"
)

// Result is the outcome of Validate. Fields is populated only for
// tokens whose signature verified.
type Result struct {
	Valid  bool
	Reason Reason
	Fields *Fields
}

// Authority issues, validates and revokes consent tokens with an
// authority-held HMAC-SHA256 secret.
//
// Validate is a pure function over the token and the revocation
// snapshot and is safe for concurrent use. Revoke is linearizable with
// respect to subsequent Validate calls on the same instance.
type Authority struct {
	secret    []byte
	revoked   RevocationStore
	now       func() time.Time
	masterTTL time.Duration
	scopedTTL time.Duration
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithRevocationStore replaces the in-process revocation set, e.g. with
// the durable store-backed one.
func WithRevocationStore(store RevocationStore) Option {
	return func(a *Authority) { a.revoked = store }
}

// WithDefaultTTLs overrides the default token lifetimes.
func WithDefaultTTLs(master, scoped time.Duration) Option {
	return func(a *Authority) {
		a.masterTTL = master
		a.scopedTTL = scoped
	}
}

// NewAuthority creates an authority signing with secret.
func NewAuthority(secret []byte, opts ...Option) (*Authority, error) {
	if len(secret) < 32 {
		return nil, errors.New("authority secret must be at least 32 bytes")
	}
	a := &Authority{
		secret:    secret,
		revoked:   NewMemoryRevocations(),
		now:       time.Now,
		masterTTL: DefaultMasterTTL,
		scopedTTL: DefaultScopedTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue creates a signed token authorizing agentID to act on subjectID
// within scope. ttl == 0 selects the scope-dependent default.
func (a *Authority) Issue(subjectID, agentID, scope string, ttl time.Duration) (string, error) {
	return a.issue(subjectID, agentID, scope, ttl, nil)
}

// IssueExport creates a scoped token with a single-use export key
// embedded in the signed fields. The recipient decrypts the exported
// payload with this key alone and never observes the vault key.
func (a *Authority) IssueExport(subjectID, agentID, scope string, ttl time.Duration, exportKey []byte) (string, error) {
	if len(exportKey) == 0 {
		return "", errors.New("export key must not be empty")
	}
	return a.issue(subjectID, agentID, scope, ttl, exportKey)
}

func (a *Authority) issue(subjectID, agentID, scope string, ttl time.Duration, exportKey []byte) (string, error) {
	if subjectID == "" || agentID == "" || scope == "" {
		return "", errors.New("subject, agent and scope are required")
	}
	if ttl < 0 {
		return "", errors.New("ttl must not be negative")
	}
	if ttl == 0 {
		if scope == MasterScope {
			ttl = a.masterTTL
		} else {
			ttl = a.scopedTTL
		}
	}

	issuedAt := a.now()
	fields := Fields{
		UserID:    subjectID,
		AgentID:   agentID,
		Scope:     scope,
		IssuedAt:  issuedAt.UnixMilli(),
		ExpiresAt: issuedAt.Add(ttl).UnixMilli(),
	}
	if exportKey != nil {
		fields.ExportKey = base64.RawURLEncoding.EncodeToString(exportKey)
	}

	fieldBytes, err := json.Marshal(&fields)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token fields: %w", err)
	}

	return encodeToken(fieldBytes, a.sign(fieldBytes)), nil
}

// Validate checks a token end to end: wire format, signature
// (constant-time), expiry, revocation membership, and scope
// satisfaction when expectedScope is non-empty.
func (a *Authority) Validate(token, expectedScope string) Result {
	fieldBytes, signature, err := splitToken(token)
	if err != nil {
		return Result{Reason: ReasonMalformed}
	}

	if !hmac.Equal(signature, a.sign(fieldBytes)) {
		return Result{Reason: ReasonBadSignature}
	}

	var fields Fields
	if err := json.Unmarshal(fieldBytes, &fields); err != nil {
		return Result{Reason: ReasonMalformed}
	}

	if !a.now().Before(time.UnixMilli(fields.ExpiresAt)) {
		return Result{Reason: ReasonExpired, Fields: &fields}
	}

	if revoked := a.isRevoked(signature, fields.UserID); revoked {
		return Result{Reason: ReasonRevoked, Fields: &fields}
	}

	if expectedScope != "" && !ScopeSatisfies(fields.Scope, expectedScope) {
		return Result{Reason: ReasonScopeMismatch, Fields: &fields}
	}

	return Result{Valid: true, Fields: &fields}
}

// Revoke appends the token to the revocation record. Every subsequent
// Validate on this authority observes it. Only tokens this authority
// signed can be revoked; the wire form must at least parse.
func (a *Authority) Revoke(token string) error {
	fieldBytes, signature, err := splitToken(token)
	if err != nil {
		return fmt.Errorf("cannot revoke malformed token: %w", err)
	}
	if !hmac.Equal(signature, a.sign(fieldBytes)) {
		return errors.New("cannot revoke token with invalid signature")
	}
	return a.revoked.Add(revokedTokenPrefix + base64.RawURLEncoding.EncodeToString(signature))
}

// RevokeSubject revokes every token of a subject, current and future,
// until the subject re-establishes consent under a new identifier.
func (a *Authority) RevokeSubject(subjectID string) error {
	if subjectID == "" {
		return errors.New("subject ID is required")
	}
	return a.revoked.Add(revokedSubjectPrefix + subjectID)
}

func (a *Authority) isRevoked(signature []byte, subjectID string) bool {
	if ok, err := a.revoked.Contains(revokedTokenPrefix + base64.RawURLEncoding.EncodeToString(signature)); err != nil || ok {
		// Fail closed on store errors: an unreadable revocation record
		// must not admit a possibly revoked token.
		return true
	}
	if ok, err := a.revoked.Contains(revokedSubjectPrefix + subjectID); err != nil || ok {
		return true
	}
	return false
}

func (a *Authority) sign(fieldBytes []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(fieldBytes)
	return mac.Sum(nil)
}
