package storage

import (
	"errors"
	"testing"

	"github.com/havenid/haven/recovery"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 100)
	}
	store, err := Open(":memory:", key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnvelopeRoundTrip(t *testing.T) {
	store := testStore(t)

	vault, err := recovery.CreateVault([]byte("passphrase"))
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	for _, env := range vault.Envelopes {
		if err := store.PutEnvelope("subject-1", env); err != nil {
			t.Fatalf("PutEnvelope failed: %v", err)
		}
	}

	got, err := store.GetEnvelope("subject-1", recovery.WrapTypePassphrase)
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.WrapType != recovery.WrapTypePassphrase {
		t.Errorf("wrap type = %q", got.WrapType)
	}

	// The stored envelope still unwraps the original vault key.
	key, err := recovery.Unwrap(got, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Unwrap of stored envelope failed: %v", err)
	}
	if len(key) != recovery.VaultKeySize {
		t.Errorf("key length = %d", len(key))
	}

	// Cached read returns the same envelope.
	again, err := store.GetEnvelope("subject-1", recovery.WrapTypePassphrase)
	if err != nil {
		t.Fatalf("cached GetEnvelope failed: %v", err)
	}
	if again.Payload.Ciphertext != got.Payload.Ciphertext {
		t.Error("cached envelope differs")
	}

	envelopes, err := store.ListEnvelopes("subject-1")
	if err != nil {
		t.Fatalf("ListEnvelopes failed: %v", err)
	}
	if len(envelopes) != 2 {
		t.Errorf("envelope count = %d, want 2", len(envelopes))
	}
}

func TestGetEnvelope_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetEnvelope("nobody", recovery.WrapTypePassphrase)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPutEnvelope_ReplacesSameWrapType(t *testing.T) {
	store := testStore(t)

	vaultKey, _ := recovery.GenerateVaultKey()
	e1, _ := recovery.Wrap(vaultKey, []byte("old passphrase"), recovery.WrapTypePassphrase)
	e2, _ := recovery.Wrap(vaultKey, []byte("new passphrase"), recovery.WrapTypePassphrase)

	if err := store.PutEnvelope("subject-1", e1); err != nil {
		t.Fatalf("PutEnvelope failed: %v", err)
	}
	// Prime the cache, then overwrite.
	if _, err := store.GetEnvelope("subject-1", recovery.WrapTypePassphrase); err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if err := store.PutEnvelope("subject-1", e2); err != nil {
		t.Fatalf("PutEnvelope failed: %v", err)
	}

	got, err := store.GetEnvelope("subject-1", recovery.WrapTypePassphrase)
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if _, err := recovery.Unwrap(got, []byte("new passphrase")); err != nil {
		t.Error("replacement envelope does not unwrap with the new passphrase")
	}
	if _, err := recovery.Unwrap(got, []byte("old passphrase")); err == nil {
		t.Error("stale envelope served after replacement")
	}
}

func TestRevocationRecord(t *testing.T) {
	store := testStore(t)

	if ok, _ := store.Contains("token:abc"); ok {
		t.Fatal("empty store contains an id")
	}

	if err := store.Add("token:abc"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	// Append-only and idempotent.
	if err := store.Add("token:abc"); err != nil {
		t.Fatalf("repeated Add failed: %v", err)
	}

	ok, err := store.Contains("token:abc")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if !ok {
		t.Error("added id not found")
	}
	if ok, _ := store.Contains("subject:u1"); ok {
		t.Error("unrelated id reported revoked")
	}
}

func TestAuditEvents(t *testing.T) {
	store := testStore(t)

	events := []*AuditEvent{
		NewAuditEvent(EventVaultUnlocked, "subject-1", "", nil),
		NewAuditEvent(EventConsentIssued, "subject-1", "agent-1", map[string]string{"scope": "financial.*"}),
		NewAuditEvent(EventConsentRevoked, "subject-2", "agent-1", nil),
	}
	for _, evt := range events {
		if err := store.AppendEvent(evt); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got, err := store.ListEvents("subject-1", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2", len(got))
	}
	for _, evt := range got {
		if evt.SubjectID != "subject-1" {
			t.Errorf("event for subject %q leaked into listing", evt.SubjectID)
		}
	}

	found := false
	for _, evt := range got {
		if evt.Type == EventConsentIssued && evt.Details["scope"] == "financial.*" {
			found = true
		}
	}
	if !found {
		t.Error("consent.issued event payload did not round trip")
	}
}

func TestOpen_RejectsBadStoreKey(t *testing.T) {
	if _, err := Open(":memory:", []byte("short")); err == nil {
		t.Error("Open accepted a short store key")
	}
}
