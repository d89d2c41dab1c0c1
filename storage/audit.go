package storage

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// EventType classifies audit events. Every token issue, validation
// outcome, revocation, and session transition is recorded so data
// access stays auditable.
type EventType string

const (
	EventVaultCreated  EventType = "vault.created"
	EventVaultUnlocked EventType = "vault.unlocked"
	EventVaultLocked   EventType = "vault.locked"

	EventConsentIssued    EventType = "consent.issued"
	EventConsentValidated EventType = "consent.validated"
	EventConsentDenied    EventType = "consent.denied"
	EventConsentRevoked   EventType = "consent.revoked"

	EventExportCreated EventType = "export.created"

	EventDataEncrypted EventType = "data.encrypted"
	EventDataDecrypted EventType = "data.decrypted"
)

// AuditEvent is one entry in the audit log. Details never contain key
// material or plaintext, only identifiers and outcomes.
type AuditEvent struct {
	EventID   string            `cbor:"event_id"`
	Type      EventType         `cbor:"type"`
	SubjectID string            `cbor:"subject_id"`
	AgentID   string            `cbor:"agent_id,omitempty"`
	Details   map[string]string `cbor:"details,omitempty"`
	CreatedAt int64             `cbor:"created_at"`
}

// NewAuditEvent creates an event stamped with a fresh ID and the
// current time.
func NewAuditEvent(eventType EventType, subjectID, agentID string, details map[string]string) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		SubjectID: subjectID,
		AgentID:   agentID,
		Details:   details,
		CreatedAt: time.Now().UnixMilli(),
	}
}

func encodeEvent(evt *AuditEvent) ([]byte, error) {
	return cbor.Marshal(evt)
}

func decodeEvent(data []byte) (*AuditEvent, error) {
	var evt AuditEvent
	if err := cbor.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}
