// Package storage persists the durable pieces of the vault protocol:
// recovery envelopes addressed by subject, the append-only revocation
// record, and the audit event log. Everything is ciphertext at rest,
// sealed under a store key before it reaches SQLite; the vault key
// itself is never persisted in any form.
package storage

import "errors"

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = errors.New("record not found")
