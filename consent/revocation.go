package consent

import "sync"

// RevocationStore is the append-only set of revoked token and subject
// identifiers, consulted on every validation. Implementations backed by
// a replicated store may observe new entries within a bounded staleness
// window; the in-process implementation is immediate.
type RevocationStore interface {
	Add(id string) error
	Contains(id string) (bool, error)
}

// Revocation identifier namespaces. Tokens are identified by their
// signature, subjects by their verified subject ID.
const (
	revokedTokenPrefix   = "token:"
	revokedSubjectPrefix = "subject:"
)

// MemoryRevocations is the in-process revocation set. Adds are
// linearizable with respect to subsequent Contains calls.
type MemoryRevocations struct {
	ids map[string]struct{}
	mu  sync.RWMutex
}

// NewMemoryRevocations creates an empty revocation set.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{ids: make(map[string]struct{})}
}

// Add appends an identifier. Re-adding is a no-op; entries are never
// removed.
func (r *MemoryRevocations) Add(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
	return nil
}

// Contains reports membership.
func (r *MemoryRevocations) Contains(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok, nil
}
