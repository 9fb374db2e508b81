package session

import (
	"context"
	"sync"
	"time"
)

// Store persists sessions between Analyze and session deletion.
type Store interface {
	// Create stores a new session. It fails with ErrSessionExists when the id is taken.
	Create(ctx context.Context, s *Session) error
	// Get returns a copy of the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Append adds turns to the end of the conversation in a single step, provided the
	// conversation still holds expectedLen turns. Otherwise it fails with ErrConflict.
	Append(ctx context.Context, id string, expectedLen int, turns ...Turn) error
	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// Sweeper is implemented by stores that need explicit idle expiry.
type Sweeper interface {
	// Sweep removes sessions inactive since before cutoff and reports how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// TurnLocker is implemented by stores shared between processes. LockTurn blocks until
// the caller exclusively owns the session's next turn or ctx is done.
type TurnLocker interface {
	LockTurn(ctx context.Context, id string) (unlock func(), err error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}

	stored := s.Clone()
	if stored.LastActiveAt.IsZero() {
		stored.LastActiveAt = m.now().UTC()
	}
	m.sessions[s.ID] = stored
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, id string, expectedLen int, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if len(s.Conversation) != expectedLen {
		return ErrConflict
	}
	s.Conversation = append(s.Conversation, turns...)
	s.LastActiveAt = m.now().UTC()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Sweep implements Sweeper.
func (m *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
