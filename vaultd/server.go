package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/havenid/haven/aead"
	"github.com/havenid/haven/consent"
	"github.com/havenid/haven/export"
	"github.com/havenid/haven/kdf"
	"github.com/havenid/haven/recovery"
	"github.com/havenid/haven/session"
	"github.com/havenid/haven/storage"
)

// genericUnlockMessage is the only unlock failure text exposed on the
// wire. Distinguishing wrong-passphrase from corrupted-envelope would
// hand an oracle to whoever is probing.
const genericUnlockMessage = "unable to unlock vault"

// Server is a per-subject vault daemon. It owns the durable store, the
// consent authority and the single vault session, and exposes the vault
// surface over NATS request/reply.
type Server struct {
	cfg        *Config
	nc         *nats.Conn
	store      *storage.Store
	authority  *consent.Authority
	machine    *session.Machine
	kdfService *kdf.Service
	bridge     *export.Bridge
	subs       []*nats.Subscription
}

// NewServer wires a server from configuration. authenticator may be nil
// when the host has no passkey support.
func NewServer(cfg *Config, store *storage.Store, authoritySecret []byte, authenticator kdf.Authenticator) (*Server, error) {
	if cfg.SubjectID == "" {
		return nil, errors.New("subject_id is required")
	}

	authority, err := consent.NewAuthority(
		authoritySecret,
		consent.WithRevocationStore(store),
		consent.WithDefaultTTLs(
			time.Duration(cfg.Authority.MasterTTLMinutes)*time.Minute,
			time.Duration(cfg.Authority.ScopedTTLMinutes)*time.Minute,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent authority: %w", err)
	}

	kdfService := kdf.NewService(authenticator)

	s := &Server{
		cfg:        cfg,
		store:      store,
		authority:  authority,
		kdfService: kdfService,
		bridge:     export.NewBridge(authority),
	}
	s.machine = session.New(
		&staticIdentity{subjectID: cfg.SubjectID},
		&envelopeUnlocker{store: store, kdfService: kdfService},
		&masterIssuer{authority: authority},
		log.Logger,
		session.WithSink(kdf.NewMemorySink()),
	)
	return s, nil
}

// staticIdentity vouches for the subject the control plane started this
// daemon for, mirroring how the store is scoped to one subject.
type staticIdentity struct {
	subjectID string
}

func (i *staticIdentity) VerifiedSubject(context.Context) (string, error) {
	if i.subjectID == "" {
		return "", errors.New("no verified subject")
	}
	return i.subjectID, nil
}

// envelopeUnlocker turns a secret source into the vault key by loading
// the matching recovery envelope and unwrapping it.
type envelopeUnlocker struct {
	store      *storage.Store
	kdfService *kdf.Service
}

func (u *envelopeUnlocker) UnlockKey(ctx context.Context, subjectID string, source kdf.SecretSource) ([]byte, error) {
	env, err := u.store.GetEnvelope(subjectID, source.WrapType())
	if err != nil {
		// A missing envelope and a wrong secret look the same to callers.
		return nil, &recovery.WrongSecretError{}
	}

	switch src := source.(type) {
	case *kdf.PassphraseSource:
		return recovery.Unwrap(env, src.Passphrase)
	case *kdf.PasskeySource:
		salt, err := base64.StdEncoding.DecodeString(env.KDFSalt)
		if err != nil {
			return nil, &recovery.WrongSecretError{}
		}
		bound := *src
		bound.Salt = salt
		wrappingKey, err := u.kdfService.Derive(ctx, &bound)
		if err != nil {
			return nil, err
		}
		return recovery.Unwrap(env, wrappingKey)
	default:
		return nil, fmt.Errorf("unsupported secret source %q", source.WrapType())
	}
}

// masterIssuer obtains the session's master token from the authority.
type masterIssuer struct {
	authority *consent.Authority
}

func (i *masterIssuer) IssueMaster(_ context.Context, subjectID string) (string, time.Time, error) {
	token, err := i.authority.Issue(subjectID, "haven.session", consent.MasterScope, 0)
	if err != nil {
		return "", time.Time{}, err
	}
	fields, err := consent.ParseFields(token)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.UnixMilli(fields.ExpiresAt), nil
}

// Run connects to NATS, subscribes to the vault surface and blocks
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("haven-vaultd-" + s.cfg.SubjectID),
		nats.ReconnectWait(time.Duration(s.cfg.NATS.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(s.cfg.NATS.MaxReconnects),
	}
	if s.cfg.NATS.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(s.cfg.NATS.CredentialsFile))
	}

	nc, err := nats.Connect(s.cfg.NATS.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.nc = nc
	defer nc.Close()

	prefix := fmt.Sprintf("haven.vault.%s.", s.cfg.SubjectID)
	ops := []string{
		OpCreate, OpUnlock, OpLock, OpEncrypt, OpDecrypt,
		OpIssueToken, OpValidateToken, OpRevokeToken, OpExport,
	}
	for _, op := range ops {
		op := op
		sub, err := nc.Subscribe(prefix+op, func(msg *nats.Msg) {
			resp := s.Handle(context.Background(), op, msg.Data)
			if err := msg.Respond(resp); err != nil {
				log.Warn().Err(err).Str("op", op).Msg("Failed to respond")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", op, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().Str("subject_id", s.cfg.SubjectID).Str("url", s.cfg.NATS.URL).Msg("Vault daemon listening")

	<-ctx.Done()

	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.machine.Close()
	return nil
}

// Handle dispatches one vault operation. It is the seam the transport
// layer and the tests share.
func (s *Server) Handle(ctx context.Context, op string, payload []byte) []byte {
	switch op {
	case OpCreate:
		return s.handleCreate(payload)
	case OpUnlock:
		return s.handleUnlock(ctx, payload)
	case OpLock:
		return s.handleLock()
	case OpEncrypt:
		return s.handleEncrypt(payload)
	case OpDecrypt:
		return s.handleDecrypt(payload)
	case OpIssueToken:
		return s.handleIssueToken(payload)
	case OpValidateToken:
		return s.handleValidateToken(payload)
	case OpRevokeToken:
		return s.handleRevokeToken(payload)
	case OpExport:
		return s.handleExport(payload)
	default:
		return mustJSON(&RevokeTokenResponse{Success: false, Message: "unknown operation"})
	}
}

func (s *Server) handleCreate(payload []byte) []byte {
	var req CreateVaultRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Passphrase == "" {
		return mustJSON(&CreateVaultResponse{Success: false, Message: "passphrase is required"})
	}

	if _, err := s.store.GetEnvelope(s.cfg.SubjectID, recovery.WrapTypePassphrase); err == nil {
		return mustJSON(&CreateVaultResponse{Success: false, Message: "vault already exists"})
	}

	vault, err := recovery.CreateVault([]byte(req.Passphrase))
	if err != nil {
		log.Error().Err(err).Msg("Vault creation failed")
		return mustJSON(&CreateVaultResponse{Success: false, Message: "vault creation failed"})
	}
	defer zeroBytes(vault.VaultKey)

	for _, env := range vault.Envelopes {
		if err := s.store.PutEnvelope(s.cfg.SubjectID, env); err != nil {
			log.Error().Err(err).Str("wrap_type", env.WrapType).Msg("Failed to store envelope")
			return mustJSON(&CreateVaultResponse{Success: false, Message: "vault creation failed"})
		}
	}

	s.audit(storage.EventVaultCreated, "", nil)
	log.Info().Str("subject_id", s.cfg.SubjectID).Msg("Vault created")

	return mustJSON(&CreateVaultResponse{Success: true, RecoveryCode: vault.RecoveryCode})
}

func (s *Server) handleUnlock(ctx context.Context, payload []byte) []byte {
	var req UnlockRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return mustJSON(&UnlockResponse{Success: false, Message: "invalid request format", State: s.machine.State().String()})
	}

	source, err := s.secretSource(&req)
	if err != nil {
		return mustJSON(&UnlockResponse{Success: false, Message: err.Error(), State: s.machine.State().String()})
	}

	if err := s.machine.Unlock(ctx, source); err != nil {
		var stateErr *session.StateError
		if errors.As(err, &stateErr) {
			return mustJSON(&UnlockResponse{Success: false, Message: stateErr.Error(), State: s.machine.State().String()})
		}
		s.audit(storage.EventConsentDenied, "", map[string]string{"op": "unlock"})
		return mustJSON(&UnlockResponse{Success: false, Message: genericUnlockMessage, State: s.machine.State().String()})
	}

	s.audit(storage.EventVaultUnlocked, "", map[string]string{"method": req.Method})

	var expiresAt int64
	if fields, err := consent.ParseFields(s.machine.Token()); err == nil {
		expiresAt = fields.ExpiresAt
	}
	return mustJSON(&UnlockResponse{Success: true, State: s.machine.State().String(), ExpiresAt: expiresAt})
}

// secretSource maps a wire unlock request onto the closed secret-source
// set, ordered passkey first with passphrase as the fallback chain's
// next stop when the caller asked for it.
func (s *Server) secretSource(req *UnlockRequest) (kdf.SecretSource, error) {
	switch req.Method {
	case MethodPassphrase:
		if req.Passphrase == "" {
			return nil, errors.New("passphrase is required")
		}
		return &kdf.PassphraseSource{Passphrase: []byte(req.Passphrase)}, nil
	case MethodRecoveryCode:
		raw, err := recovery.ParseRecoveryCode(req.RecoveryCode)
		if err != nil {
			return nil, errors.New("malformed recovery code")
		}
		return &kdf.PassphraseSource{Passphrase: raw, Wrap: recovery.WrapTypeRecoveryCode}, nil
	case MethodPasskey:
		if req.CredentialID == "" {
			return nil, errors.New("credential_id is required")
		}
		return &kdf.PasskeySource{CredentialID: req.CredentialID, SubjectID: s.cfg.SubjectID}, nil
	default:
		return nil, fmt.Errorf("unknown unlock method %q", req.Method)
	}
}

func (s *Server) handleLock() []byte {
	s.machine.Lock()
	s.audit(storage.EventVaultLocked, "", nil)
	return mustJSON(&LockResponse{Success: true, State: s.machine.State().String()})
}

func (s *Server) handleEncrypt(payload []byte) []byte {
	var req EncryptRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return mustJSON(&EncryptResponse{Success: false, Message: "invalid request format"})
	}

	key := s.machine.Key()
	if key == nil {
		return mustJSON(&EncryptResponse{Success: false, Message: "vault is locked"})
	}

	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		return mustJSON(&EncryptResponse{Success: false, Message: "invalid plaintext encoding"})
	}
	defer zeroBytes(plaintext)

	encrypted, err := aead.Encrypt(plaintext, key)
	if err != nil {
		log.Error().Err(err).Msg("Encryption failed")
		return mustJSON(&EncryptResponse{Success: false, Message: "encryption failed"})
	}

	s.audit(storage.EventDataEncrypted, "", nil)
	return mustJSON(&EncryptResponse{Success: true, Payload: encrypted})
}

func (s *Server) handleDecrypt(payload []byte) []byte {
	var req DecryptRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Payload == nil {
		return mustJSON(&DecryptResponse{Success: false, Message: "invalid request format"})
	}

	// Every decrypt is consent-gated: a valid token scoped to the
	// attribute must accompany the request.
	res := s.authority.Validate(req.Token, req.Scope)
	if !res.Valid {
		s.audit(storage.EventConsentDenied, "", map[string]string{"op": "decrypt", "reason": string(res.Reason)})
		return mustJSON(&DecryptResponse{Success: false, Message: "consent denied: " + string(res.Reason)})
	}

	key := s.machine.Key()
	if key == nil {
		return mustJSON(&DecryptResponse{Success: false, Message: "vault is locked"})
	}

	plaintext, err := aead.Decrypt(req.Payload, key)
	if err != nil {
		return mustJSON(&DecryptResponse{Success: false, Message: "decryption failed"})
	}
	defer zeroBytes(plaintext)

	s.audit(storage.EventDataDecrypted, res.Fields.AgentID, map[string]string{"scope": req.Scope})
	return mustJSON(&DecryptResponse{Success: true, Plaintext: base64.StdEncoding.EncodeToString(plaintext)})
}

func (s *Server) handleIssueToken(payload []byte) []byte {
	var req IssueTokenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return mustJSON(&IssueTokenResponse{Success: false, Message: "invalid request format"})
	}

	// Delegated tokens can only be minted from an unlocked session.
	if s.machine.Token() == "" {
		return mustJSON(&IssueTokenResponse{Success: false, Message: "vault is locked"})
	}

	token, err := s.authority.Issue(s.cfg.SubjectID, req.AgentID, req.Scope, time.Duration(req.TTLMillis)*time.Millisecond)
	if err != nil {
		return mustJSON(&IssueTokenResponse{Success: false, Message: err.Error()})
	}

	s.audit(storage.EventConsentIssued, req.AgentID, map[string]string{"scope": req.Scope})
	return mustJSON(&IssueTokenResponse{Success: true, Token: token})
}

func (s *Server) handleValidateToken(payload []byte) []byte {
	var req ValidateTokenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return mustJSON(&ValidateTokenResponse{Valid: false, Reason: string(consent.ReasonMalformed)})
	}

	res := s.authority.Validate(req.Token, req.Scope)
	if res.Valid {
		agentID := ""
		if res.Fields != nil {
			agentID = res.Fields.AgentID
		}
		s.audit(storage.EventConsentValidated, agentID, map[string]string{"scope": req.Scope})
		return mustJSON(&ValidateTokenResponse{Valid: true})
	}
	return mustJSON(&ValidateTokenResponse{Valid: false, Reason: string(res.Reason)})
}

func (s *Server) handleRevokeToken(payload []byte) []byte {
	var req RevokeTokenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return mustJSON(&RevokeTokenResponse{Success: false, Message: "invalid request format"})
	}

	if err := s.authority.Revoke(req.Token); err != nil {
		return mustJSON(&RevokeTokenResponse{Success: false, Message: err.Error()})
	}

	// A revocation reaching the master grant locks the session before
	// this handler returns.
	if fields, err := consent.ParseFields(req.Token); err == nil {
		s.machine.HandleRevocation(fields.UserID, fields.Scope)
		s.audit(storage.EventConsentRevoked, fields.AgentID, map[string]string{"scope": fields.Scope})
	}

	return mustJSON(&RevokeTokenResponse{Success: true})
}

func (s *Server) handleExport(payload []byte) []byte {
	var req ExportRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Payload == nil {
		return mustJSON(&ExportResponse{Success: false, Message: "invalid request format"})
	}
	if req.AgentID == "" || req.Scope == "" {
		return mustJSON(&ExportResponse{Success: false, Message: "agent_id and scope are required"})
	}

	key := s.machine.Key()
	if key == nil {
		return mustJSON(&ExportResponse{Success: false, Message: "vault is locked"})
	}

	grant, err := s.bridge.Export(key, req.Payload, s.cfg.SubjectID, req.AgentID, req.Scope, time.Duration(req.TTLMillis)*time.Millisecond)
	if err != nil {
		return mustJSON(&ExportResponse{Success: false, Message: "export failed"})
	}

	s.audit(storage.EventExportCreated, req.AgentID, map[string]string{"scope": req.Scope})
	return mustJSON(&ExportResponse{Success: true, Payload: grant.Payload, Token: grant.Token})
}

func (s *Server) audit(eventType storage.EventType, agentID string, details map[string]string) {
	evt := storage.NewAuditEvent(eventType, s.cfg.SubjectID, agentID, details)
	if err := s.store.AppendEvent(evt); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record audit event")
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		return []byte(`{"success":false,"message":"internal error"}`)
	}
	return data
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
