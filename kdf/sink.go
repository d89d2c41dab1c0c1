package kdf

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SecretSink holds short-lived secret material. Core logic never
// branches on the host platform; it only talks to the injected sink, so
// a Keychain/Keystore-backed sink and the in-process sink are
// interchangeable.
type SecretSink interface {
	PutEphemeral(name string, secret []byte) error
	GetEphemeral(name string) ([]byte, bool)
	// Destroy zeroizes and drops the named secret. Destroying an
	// unknown name is a no-op.
	Destroy(name string)
}

// MemorySink keeps secrets in process memory, pinned against swap where
// the platform allows it, and zeroized on destroy.
type MemorySink struct {
	secrets map[string][]byte
	mu      sync.Mutex
}

// NewMemorySink creates an empty in-process sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{secrets: make(map[string][]byte)}
}

// PutEphemeral stores a copy of secret under name, replacing and
// zeroizing any previous value.
func (s *MemorySink) PutEphemeral(name string, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("refusing to store empty secret %q", name)
	}

	buf := make([]byte, len(secret))
	copy(buf, secret)

	// Best effort: without CAP_IPC_LOCK the pages stay swappable but
	// the sink still works.
	_ = unix.Mlock(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.secrets[name]; ok {
		zeroBytes(old)
		_ = unix.Munlock(old)
	}
	s.secrets[name] = buf
	return nil
}

// GetEphemeral returns a copy of the named secret.
func (s *MemorySink) GetEphemeral(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, true
}

// Destroy zeroizes and removes the named secret.
func (s *MemorySink) Destroy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if secret, ok := s.secrets[name]; ok {
		zeroBytes(secret)
		_ = unix.Munlock(secret)
		delete(s.secrets, name)
	}
}

// DestroyAll zeroizes and removes every secret, for process teardown.
func (s *MemorySink) DestroyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, secret := range s.secrets {
		zeroBytes(secret)
		_ = unix.Munlock(secret)
		delete(s.secrets, name)
	}
}
