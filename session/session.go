// Package session holds the vault session: a derived vault key staged
// on a secret sink, plus an active master consent token, with strict
// lock/unlock transitions. One session exists per authenticated
// principal per process; independent processes re-derive and
// re-authenticate on their own, by design rather than as a cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/havenid/haven/consent"
	"github.com/havenid/haven/kdf"
)

// State is the session lifecycle state.
type State int

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateError reports an operation attempted in the wrong session state.
// This is a programmer error and fails loudly.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while session is %s", e.Op, e.State)
}

// ErrSuperseded is returned when a late-completing unlock attempt loses
// to a newer one. The caller's session state was not modified.
var ErrSuperseded = errors.New("unlock attempt superseded")

// ErrUnlockFailed is the generic unlock failure surfaced to users. It
// deliberately does not distinguish a wrong passphrase from a corrupted
// envelope.
var ErrUnlockFailed = errors.New("unable to unlock vault")

// IdentityProvider supplies a verified subject identifier. Unlock is
// not permitted until the identity provider vouches for the principal.
type IdentityProvider interface {
	VerifiedSubject(ctx context.Context) (string, error)
}

// KeyUnlocker turns a secret source into the subject's vault key,
// typically by deriving a wrapping key and unwrapping the stored
// recovery envelope.
type KeyUnlocker interface {
	UnlockKey(ctx context.Context, subjectID string, source kdf.SecretSource) ([]byte, error)
}

// TokenIssuer obtains the session's master consent token. Issue calls
// go over transport and may fail transiently.
type TokenIssuer interface {
	IssueMaster(ctx context.Context, subjectID string) (token string, expiresAt time.Time, err error)
}

// Machine is the vault session state machine.
type Machine struct {
	identity IdentityProvider
	unlocker KeyUnlocker
	issuer   TokenIssuer
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	attempt   uint64
	subjectID string
	sink      kdf.SecretSink
	keyName   string
	token     string
	expiresAt time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithSink replaces the secret sink the unlocked vault key lives on,
// e.g. with a platform Keychain/Keystore-backed one.
func WithSink(sink kdf.SecretSink) Option {
	return func(m *Machine) { m.sink = sink }
}

// New creates a locked session machine. The vault key is never held on
// the machine itself: it is staged on the sink, which defaults to an
// in-process one.
func New(identity IdentityProvider, unlocker KeyUnlocker, issuer TokenIssuer, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		identity: identity,
		unlocker: unlocker,
		issuer:   issuer,
		log:      logger,
		now:      time.Now,
		sink:     kdf.NewMemorySink(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Unlock transitions Locked -> Unlocking -> Unlocked. On any failure
// the session returns to Locked. Derivation failures surface as
// ErrUnlockFailed regardless of cause; capability failures are wrapped
// so callers can fall back to another secret source.
//
// The caller may abandon the call; completion is checked against the
// attempt counter, so a stale unlock never overwrites a newer session.
func (m *Machine) Unlock(ctx context.Context, source kdf.SecretSource) error {
	m.mu.Lock()
	if m.state != StateLocked {
		state := m.state
		m.mu.Unlock()
		return &StateError{Op: "unlock", State: state}
	}
	m.attempt++
	attempt := m.attempt
	m.state = StateUnlocking
	m.mu.Unlock()

	subjectID, err := m.identity.VerifiedSubject(ctx)
	if err != nil {
		m.settleFailed(attempt)
		return fmt.Errorf("identity verification failed: %w", err)
	}

	vaultKey, err := m.unlocker.UnlockKey(ctx, subjectID, source)
	if err != nil {
		m.settleFailed(attempt)
		var capErr *kdf.CapabilityError
		if errors.As(err, &capErr) {
			// Recoverable: the caller retries with the fallback source.
			return err
		}
		m.log.Warn().Str("subject_id", subjectID).Msg("Vault unlock failed")
		return ErrUnlockFailed
	}

	token, expiresAt, err := m.issueWithRetry(ctx, subjectID)
	if err != nil {
		zeroBytes(vaultKey)
		m.settleFailed(attempt)
		return fmt.Errorf("failed to obtain session token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Last writer wins by attempt id, not completion order.
	if m.attempt != attempt || m.state != StateUnlocking {
		zeroBytes(vaultKey)
		return ErrSuperseded
	}

	keyName := "vault-key." + subjectID
	if err := m.sink.PutEphemeral(keyName, vaultKey); err != nil {
		zeroBytes(vaultKey)
		m.state = StateLocked
		return fmt.Errorf("failed to stage vault key: %w", err)
	}
	zeroBytes(vaultKey) // the sink holds its own copy

	m.state = StateUnlocked
	m.subjectID = subjectID
	m.keyName = keyName
	m.token = token
	m.expiresAt = expiresAt

	m.log.Info().
		Str("subject_id", subjectID).
		Time("expires_at", expiresAt).
		Msg("Vault session unlocked")
	return nil
}

// Key returns a copy of the vault key from the sink while the session
// is unlocked and unexpired, nil otherwise. Expiry is checked lazily:
// once expiresAt has passed the session locks itself even without an
// explicit Lock.
func (m *Machine) Key() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return nil
	}
	key, ok := m.sink.GetEphemeral(m.keyName)
	if !ok {
		m.lockLocked("vault key missing from sink")
		return nil
	}
	return key
}

// Token returns the active master token, or "" when locked or expired.
func (m *Machine) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return ""
	}
	return m.token
}

// SubjectID returns the unlocked session's subject, or "".
func (m *Machine) SubjectID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return ""
	}
	return m.subjectID
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Lock drops every in-memory reference and returns to Locked. Safe to
// call in any state.
func (m *Machine) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLocked("explicit lock")
}

// HandleRevocation processes an external revocation signal. When the
// signal covers this session's subject and held scope, the session
// locks synchronously before returning: no window exists where a
// revoked token is still served.
func (m *Machine) HandleRevocation(subjectID, revokedScope string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUnlocked || m.subjectID != subjectID {
		return
	}
	// An empty scope is a subject-wide revocation. A scoped signal must
	// cover the held master grant to force a lock; narrower revocations
	// are already rejected by the authority on validation.
	if revokedScope != "" && !consent.ScopeSatisfies(revokedScope, consent.MasterScope) {
		return
	}
	m.lockLocked("revocation signal")
}

// HandleSignOut processes an identity-provider sign-out. The session
// locks synchronously.
func (m *Machine) HandleSignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateUnlocked || m.state == StateUnlocking {
		m.lockLocked("identity sign-out")
	}
}

// Close locks the session for process teardown.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLocked("teardown")
}

// liveLocked reports whether the session is unlocked and unexpired,
// locking it on lazy expiry. Caller must hold mu.
func (m *Machine) liveLocked() bool {
	if m.state != StateUnlocked {
		return false
	}
	if !m.now().Before(m.expiresAt) {
		m.lockLocked("session expired")
		return false
	}
	return true
}

// lockLocked transitions to Locked and destroys the staged vault key.
// Caller must hold mu.
func (m *Machine) lockLocked(cause string) {
	if m.keyName != "" {
		m.sink.Destroy(m.keyName)
	}
	if m.state != StateLocked {
		m.log.Info().Str("cause", cause).Str("subject_id", m.subjectID).Msg("Vault session locked")
	}
	m.state = StateLocked
	m.attempt++ // invalidate any in-flight unlock
	m.subjectID = ""
	m.keyName = ""
	m.token = ""
	m.expiresAt = time.Time{}
}

// settleFailed returns a failed unlock attempt to Locked unless a newer
// attempt already took over.
func (m *Machine) settleFailed(attempt uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == attempt && m.state == StateUnlocking {
		m.state = StateLocked
	}
}

// issueWithRetry calls the token issuer with bounded jittered backoff.
// Transport to the issuing collaborator may hiccup; cryptographic
// failures never reach this path.
func (m *Machine) issueWithRetry(ctx context.Context, subjectID string) (string, time.Time, error) {
	const attempts = 3

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(50+rand.Intn(100)) * time.Millisecond << (i - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", time.Time{}, ctx.Err()
			}
		}

		token, expiresAt, err := m.issuer.IssueMaster(ctx, subjectID)
		if err == nil {
			return token, expiresAt, nil
		}
		lastErr = err
	}
	return "", time.Time{}, fmt.Errorf("token issuer unavailable after %d attempts: %w", attempts, lastErr)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
