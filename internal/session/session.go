// Package session tracks authenticated browser sessions. Sessions live only
// in memory; a restart logs everyone out.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mooconsole/internal/auth"
)

// ErrNotFound is returned when a session ID is unknown.
var ErrNotFound = errors.New("session not found")

// Session is one authenticated browser session.
type Session struct {
	// ID is the opaque token carried in the session cookie. Always
	// server-generated.
	ID        string        `json:"-"`
	Identity  auth.Identity `json:"identity"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store defines the interface for session management.
type Store interface {
	// Create starts a new session for identity.
	Create(identity auth.Identity) (Session, error)

	// Lookup retrieves a session by ID.
	Lookup(id string) (Session, error)

	// Revoke removes a session. Unknown IDs are ignored.
	Revoke(id string)

	// RevokeUser removes every session of username and returns how many
	// there were.
	RevokeUser(username string) int

	// CountUser returns how many live sessions belong to username.
	CountUser(username string) int

	// List returns all live sessions, oldest first.
	List() []Session

	// Len returns the number of live sessions.
	Len() int
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a thread-safe in-memory session store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryStore creates an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sessions: make(map[string]Session),
		now:      now,
	}
}

// Create adds a session with a fresh random ID.
func (m *MemoryStore) Create(identity auth.Identity) (Session, error) {
	if identity.Username == "" {
		return Session{}, fmt.Errorf("session identity cannot be empty")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	s := Session{
		ID:        id.String(),
		Identity:  identity,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s, nil
}

// Lookup retrieves a session by ID.
func (m *MemoryStore) Lookup(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Revoke removes a session from the store.
func (m *MemoryStore) Revoke(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// RevokeUser removes every session of username and returns how many were
// removed.
func (m *MemoryStore) RevokeUser(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.Identity.Username == username {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// CountUser returns how many live sessions belong to username.
func (m *MemoryStore) CountUser(username string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.Identity.Username == username {
			n++
		}
	}
	return n
}

// List returns all sessions, oldest first.
func (m *MemoryStore) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Identity.Username < result[j].Identity.Username
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
