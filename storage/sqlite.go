package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/havenid/haven/aead"
	"github.com/havenid/haven/recovery"
)

// Store is the encrypted SQLite store. Record values are sealed with
// the store key before they are written, so the database file is
// ciphertext at rest. Revocation identifiers are stored in the clear:
// they carry no secrets and the revocation check runs on every token
// validation.
type Store struct {
	db       *sql.DB
	storeKey []byte
	cache    *envelopeCache
	mu       sync.Mutex
}

// Open opens (or creates) the store at path. Use ":memory:" for tests.
func Open(path string, storeKey []byte) (*Store, error) {
	if len(storeKey) != aead.KeySize {
		return nil, fmt.Errorf("store key must be %d bytes", aead.KeySize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	store := &Store{
		db:       db,
		storeKey: storeKey,
		cache:    newEnvelopeCache(64),
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Recovery envelopes, one row per (subject, wrap type).
	-- The envelope blob is sealed under the store key; it is already
	-- ciphertext of the vault key underneath.
	CREATE TABLE IF NOT EXISTS envelopes (
		subject_id TEXT NOT NULL,
		wrap_type  TEXT NOT NULL,
		envelope   BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (subject_id, wrap_type)
	);

	-- Append-only revocation record. Rows are never deleted.
	CREATE TABLE IF NOT EXISTS revocations (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	-- Audit event log, CBOR payloads sealed under the store key.
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id   TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Envelopes ---

// PutEnvelope stores a subject's envelope, replacing any previous one
// of the same wrap type.
func (s *Store) PutEnvelope(subjectID string, env *recovery.Envelope) error {
	plain, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	sealed, err := aead.Seal(plain, s.storeKey)
	if err != nil {
		return fmt.Errorf("failed to seal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO envelopes (subject_id, wrap_type, envelope, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_id, wrap_type) DO UPDATE SET envelope = excluded.envelope, created_at = excluded.created_at`,
		subjectID, env.WrapType, sealed, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store envelope: %w", err)
	}

	s.cache.invalidate(envelopeCacheKey(subjectID, env.WrapType))
	return nil
}

// GetEnvelope loads a subject's envelope for the given wrap type.
func (s *Store) GetEnvelope(subjectID, wrapType string) (*recovery.Envelope, error) {
	cacheKey := envelopeCacheKey(subjectID, wrapType)
	if sealed, ok := s.cache.get(cacheKey); ok {
		return s.openEnvelope(sealed)
	}

	var sealed []byte
	err := s.db.QueryRow(
		`SELECT envelope FROM envelopes WHERE subject_id = ? AND wrap_type = ?`,
		subjectID, wrapType,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}

	s.cache.put(cacheKey, sealed)
	return s.openEnvelope(sealed)
}

// ListEnvelopes returns every envelope stored for a subject.
func (s *Store) ListEnvelopes(subjectID string) ([]*recovery.Envelope, error) {
	rows, err := s.db.Query(
		`SELECT envelope FROM envelopes WHERE subject_id = ? ORDER BY wrap_type`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*recovery.Envelope
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, err
		}
		env, err := s.openEnvelope(sealed)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

func (s *Store) openEnvelope(sealed []byte) (*recovery.Envelope, error) {
	plain, err := aead.Open(sealed, s.storeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal envelope: %w", err)
	}
	var env recovery.Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

func envelopeCacheKey(subjectID, wrapType string) string {
	return subjectID + "/" + wrapType
}

// --- Revocations ---

// Add appends a revocation identifier. Implements
// consent.RevocationStore; rows are never removed.
func (s *Store) Add(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO revocations (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append revocation: %w", err)
	}
	return nil
}

// Contains reports revocation membership.
func (s *Store) Contains(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM revocations WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return true, nil
}

// --- Audit log ---

// AppendEvent records an audit event.
func (s *Store) AppendEvent(evt *AuditEvent) error {
	plain, err := encodeEvent(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	sealed, err := aead.Seal(plain, s.storeKey)
	if err != nil {
		return fmt.Errorf("failed to seal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO audit_events (event_id, subject_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		evt.EventID, evt.SubjectID, sealed, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a subject's most recent events, newest first.
func (s *Store) ListEvents(subjectID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT payload FROM audit_events WHERE subject_id = ? ORDER BY created_at DESC, event_id LIMIT ?`,
		subjectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, err
		}
		plain, err := aead.Open(sealed, s.storeKey)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal event: %w", err)
		}
		evt, err := decodeEvent(plain)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
