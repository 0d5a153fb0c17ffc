package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no session exists for the given ID
var ErrNotFound = errors.New("session not found")

// Store persists session payloads keyed by session ID
type Store interface {
	// Get retrieves a session payload, or ErrNotFound
	Get(ctx context.Context, sid string) (*Payload, error)

	// Set stores a session payload under the given ID
	Set(ctx context.Context, sid string, payload *Payload) error

	// Destroy removes a session. Destroying a missing session is not an error.
	Destroy(ctx context.Context, sid string) error
}

// MemoryStore is an in-memory session store for development and tests
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
}

type memoryEntry struct {
	payload   *Payload
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory session store with the given TTL.
// A zero TTL means sessions never expire.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

// Get retrieves a session payload
func (s *MemoryStore) Get(ctx context.Context, sid string) (*Payload, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sid]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, sid)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	// Copy so callers cannot mutate the stored payload
	payload := *entry.payload
	return &payload, nil
}

// Set stores a session payload
func (s *MemoryStore) Set(ctx context.Context, sid string, payload *Payload) error {
	copied := *payload

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = time.Now().Add(s.ttl)
	}

	s.mu.Lock()
	s.sessions[sid] = memoryEntry{payload: &copied, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Destroy removes a session
func (s *MemoryStore) Destroy(ctx context.Context, sid string) error {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	return nil
}
