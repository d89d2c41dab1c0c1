package consent

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is an adjustable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testAuthority(t *testing.T, opts ...Option) (*Authority, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	authority, err := NewAuthority(secret, opts...)
	if err != nil {
		t.Fatalf("NewAuthority failed: %v", err)
	}
	return authority, clock
}

func TestIssue_WireFormat(t *testing.T) {
	authority, _ := testAuthority(t)

	token, err := authority.Issue("user-1", "agent-1", "financial.balance", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if !strings.HasPrefix(token, "HCT:") {
		t.Errorf("token %q missing HCT: prefix", token)
	}
	if strings.Count(token[4:], ".") != 1 {
		t.Errorf("token %q is not <fields>.<signature>", token)
	}

	fields, err := ParseFields(token)
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	if fields.UserID != "user-1" || fields.AgentID != "agent-1" || fields.Scope != "financial.balance" {
		t.Errorf("unexpected fields: %+v", fields)
	}
	if fields.ExpiresAt-fields.IssuedAt != time.Minute.Milliseconds() {
		t.Errorf("ttl = %dms, want %dms", fields.ExpiresAt-fields.IssuedAt, time.Minute.Milliseconds())
	}
	if fields.ExportKey != "" {
		t.Error("plain token carries an export key")
	}
}

func TestIssue_Validation(t *testing.T) {
	authority, _ := testAuthority(t)

	if _, err := authority.Issue("", "agent", "s.a", time.Minute); err == nil {
		t.Error("Issue accepted empty subject")
	}
	if _, err := authority.Issue("user", "", "s.a", time.Minute); err == nil {
		t.Error("Issue accepted empty agent")
	}
	if _, err := authority.Issue("user", "agent", "", time.Minute); err == nil {
		t.Error("Issue accepted empty scope")
	}
	if _, err := authority.Issue("user", "agent", "s.a", -time.Second); err == nil {
		t.Error("Issue accepted negative ttl")
	}
	if _, err := NewAuthority([]byte("short")); err == nil {
		t.Error("NewAuthority accepted a weak secret")
	}
}

func TestValidate_ValidityWindow(t *testing.T) {
	authority, clock := testAuthority(t)

	ttl := 5 * time.Second
	token, err := authority.Issue("user-1", "agent-1", "financial.balance", ttl)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// t = 0
	if res := authority.Validate(token, ""); !res.Valid {
		t.Errorf("at t=0: reason = %q, want valid", res.Reason)
	}

	// t = T - 1ms
	clock.Advance(ttl - time.Millisecond)
	if res := authority.Validate(token, ""); !res.Valid {
		t.Errorf("at t=T-1ms: reason = %q, want valid", res.Reason)
	}

	// t = T + 1ms
	clock.Advance(2 * time.Millisecond)
	res := authority.Validate(token, "")
	if res.Valid || res.Reason != ReasonExpired {
		t.Errorf("at t=T+1ms: valid=%v reason=%q, want expired", res.Valid, res.Reason)
	}
}

func TestValidate_Scenario_ScopedTokenExpiry(t *testing.T) {
	authority, clock := testAuthority(t)

	token, err := authority.Issue("subject", "agent", "attr.financial.*", 5000*time.Millisecond)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if res := authority.Validate(token, "attr.financial.risk_profile"); !res.Valid {
		t.Errorf("immediate validation failed: %q", res.Reason)
	}

	clock.Advance(6000 * time.Millisecond)
	if res := authority.Validate(token, "attr.financial.risk_profile"); res.Reason != ReasonExpired {
		t.Errorf("after 6000ms: reason = %q, want expired", res.Reason)
	}
}

func TestValidate_BadSignature(t *testing.T) {
	authority, _ := testAuthority(t)

	// An authority with a different secret produces different signatures.
	otherSecret := make([]byte, 32)
	for i := range otherSecret {
		otherSecret[i] = byte(255 - i)
	}
	forged, err := NewAuthority(otherSecret, WithClock(newFakeClock().Now))
	if err != nil {
		t.Fatalf("NewAuthority failed: %v", err)
	}

	token, err := forged.Issue("user-1", "agent-1", "financial.balance", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if res := authority.Validate(token, ""); res.Reason != ReasonBadSignature {
		t.Errorf("reason = %q, want bad_signature", res.Reason)
	}

	// Tampering with the field block breaks the signature.
	own, _ := authority.Issue("user-1", "agent-1", "financial.balance", time.Minute)
	parts := strings.SplitN(own, ".", 2)
	tampered := parts[0][:len(parts[0])-1] + "A" + "." + parts[1]
	res := authority.Validate(tampered, "")
	if res.Reason != ReasonBadSignature && res.Reason != ReasonMalformed {
		t.Errorf("tampered token: reason = %q", res.Reason)
	}
}

func TestValidate_Malformed(t *testing.T) {
	authority, _ := testAuthority(t)

	malformed := []string{
		"",
		"HCT:",
		"HCT:abc",
		"notatoken",
		"JWT:abc.def",
		"HCT:!!!.???",
	}
	for _, token := range malformed {
		if res := authority.Validate(token, ""); res.Reason != ReasonMalformed {
			t.Errorf("Validate(%q): reason = %q, want malformed", token, res.Reason)
		}
	}
}

func TestRevoke_Immediacy(t *testing.T) {
	authority, _ := testAuthority(t)

	token, err := authority.Issue("user-1", "agent-1", "financial.*", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if res := authority.Validate(token, ""); !res.Valid {
		t.Fatalf("pre-revocation validation failed: %q", res.Reason)
	}

	if err := authority.Revoke(token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if res := authority.Validate(token, ""); res.Reason != ReasonRevoked {
			t.Fatalf("validation %d after revoke: reason = %q, want revoked", i, res.Reason)
		}
	}

	// Other tokens stay valid.
	other, _ := authority.Issue("user-2", "agent-1", "financial.*", time.Hour)
	if res := authority.Validate(other, ""); !res.Valid {
		t.Errorf("unrelated token invalidated: %q", res.Reason)
	}
}

func TestRevoke_RejectsForeignTokens(t *testing.T) {
	authority, _ := testAuthority(t)

	if err := authority.Revoke("HCT:garbage"); err == nil {
		t.Error("Revoke accepted a malformed token")
	}

	otherSecret := make([]byte, 32)
	for i := range otherSecret {
		otherSecret[i] = 0xAA
	}
	foreign, _ := NewAuthority(otherSecret)
	token, _ := foreign.Issue("user-1", "agent-1", "a.b", time.Minute)
	if err := authority.Revoke(token); err == nil {
		t.Error("Revoke accepted a token it did not sign")
	}
}

func TestRevokeSubject(t *testing.T) {
	authority, _ := testAuthority(t)

	t1, _ := authority.Issue("user-1", "agent-1", "financial.*", time.Hour)
	t2, _ := authority.Issue("user-1", "agent-2", "health.*", time.Hour)
	t3, _ := authority.Issue("user-2", "agent-1", "financial.*", time.Hour)

	if err := authority.RevokeSubject("user-1"); err != nil {
		t.Fatalf("RevokeSubject failed: %v", err)
	}

	if res := authority.Validate(t1, ""); res.Reason != ReasonRevoked {
		t.Errorf("t1: reason = %q, want revoked", res.Reason)
	}
	if res := authority.Validate(t2, ""); res.Reason != ReasonRevoked {
		t.Errorf("t2: reason = %q, want revoked", res.Reason)
	}
	if res := authority.Validate(t3, ""); !res.Valid {
		t.Errorf("t3 should be unaffected: %q", res.Reason)
	}

	// Tokens issued after the subject revocation are revoked too.
	t4, _ := authority.Issue("user-1", "agent-1", "financial.*", time.Hour)
	if res := authority.Validate(t4, ""); res.Reason != ReasonRevoked {
		t.Errorf("t4: reason = %q, want revoked", res.Reason)
	}
}

func TestValidate_ScopeMismatch(t *testing.T) {
	authority, _ := testAuthority(t)

	token, _ := authority.Issue("user-1", "agent-1", "financial.*", time.Hour)

	if res := authority.Validate(token, "financial.risk_profile"); !res.Valid {
		t.Errorf("financial.* should satisfy financial.risk_profile: %q", res.Reason)
	}
	if res := authority.Validate(token, "health.weight"); res.Reason != ReasonScopeMismatch {
		t.Errorf("reason = %q, want scope_mismatch", res.Reason)
	}

	master, _ := authority.Issue("user-1", "agent-1", MasterScope, 0)
	for _, requested := range []string{"financial.risk_profile", "health.weight"} {
		if res := authority.Validate(master, requested); !res.Valid {
			t.Errorf("master scope rejected %q: %q", requested, res.Reason)
		}
	}
}

func TestIssue_DefaultTTLs(t *testing.T) {
	authority, _ := testAuthority(t)

	master, _ := authority.Issue("user-1", "agent-1", MasterScope, 0)
	scoped, _ := authority.Issue("user-1", "agent-1", "financial.*", 0)

	mf, _ := ParseFields(master)
	sf, _ := ParseFields(scoped)

	masterTTL := mf.ExpiresAt - mf.IssuedAt
	scopedTTL := sf.ExpiresAt - sf.IssuedAt

	if masterTTL != DefaultMasterTTL.Milliseconds() {
		t.Errorf("master ttl = %dms, want %dms", masterTTL, DefaultMasterTTL.Milliseconds())
	}
	if scopedTTL != DefaultScopedTTL.Milliseconds() {
		t.Errorf("scoped ttl = %dms, want %dms", scopedTTL, DefaultScopedTTL.Milliseconds())
	}
	if masterTTL >= scopedTTL {
		t.Error("master tokens must default to a shorter TTL than scoped tokens")
	}
}

func TestIssueExport_EmbedsKey(t *testing.T) {
	authority, _ := testAuthority(t)

	exportKey := make([]byte, 32)
	for i := range exportKey {
		exportKey[i] = byte(i * 3)
	}

	token, err := authority.IssueExport("user-1", "agent-1", "financial.balance", time.Minute, exportKey)
	if err != nil {
		t.Fatalf("IssueExport failed: %v", err)
	}

	// The export key is inside the signed fields, so the signature covers it.
	res := authority.Validate(token, "financial.balance")
	if !res.Valid {
		t.Fatalf("export token invalid: %q", res.Reason)
	}
	if res.Fields.ExportKey == "" {
		t.Fatal("export token has no embedded key")
	}

	if _, err := authority.IssueExport("user-1", "agent-1", "s.a", time.Minute, nil); err == nil {
		t.Error("IssueExport accepted an empty key")
	}
}

func TestValidate_ConcurrentWithRevoke(t *testing.T) {
	authority, _ := testAuthority(t)

	token, _ := authority.Issue("user-1", "agent-1", "financial.*", time.Hour)

	var wg sync.WaitGroup
	revoked := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res := authority.Validate(token, "")
				select {
				case <-revoked:
					// After Revoke returned, every validation must agree.
					if res := authority.Validate(token, ""); res.Reason != ReasonRevoked {
						t.Errorf("post-revoke validation: %q", res.Reason)
					}
					return
				default:
				}
				if !res.Valid && res.Reason != ReasonRevoked {
					t.Errorf("unexpected reason %q", res.Reason)
					return
				}
			}
		}()
	}

	if err := authority.Revoke(token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	close(revoked)
	wg.Wait()
}
