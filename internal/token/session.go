package token

import (
	"sync"

	"github.com/google/uuid"
)

// Session keys the manager reads and writes. The session layer owns the
// values; the manager only goes through this contract.
const (
	KeyAccessToken  = "AccessToken"
	KeyRefreshToken = "RefreshToken"
	KeyClientID     = "ClientId"
	KeyUserEmail    = "UserEmail"
)

// Session is the per-principal key/value store backing the token state.
// Implementations must be safe for concurrent use.
type Session interface {
	ID() string
	Get(key string) string
	Set(key, value string)
	Clear()
}

type memorySession struct {
	id string

	mu     sync.RWMutex
	values map[string]string
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *memorySession) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *memorySession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
}

// MemoryStore holds sessions in process memory, keyed by an opaque session
// ID suitable for use as a cookie value.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

// Create mints a fresh session with a random ID.
func (m *MemoryStore) Create() Session {
	s := &memorySession{
		id:     uuid.NewString(),
		values: make(map[string]string),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Lookup returns the session for an ID, or nil when it does not exist.
func (m *MemoryStore) Lookup(id string) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return s
}

// Destroy removes the session entirely. Used on logout.
func (m *MemoryStore) Destroy(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
