package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. It backs tests and
// single-instance deployments that run without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *s
	if s.ValidatedScore != nil {
		v := *s.ValidatedScore
		cp.ValidatedScore = &v
	}
	return &cp, nil
}

// Consume performs the active -> consumed transition under the store lock,
// which makes it the compare-and-set the service relies on.
func (m *MemoryStore) Consume(_ context.Context, id string, validatedScore int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Expired(now) {
		return ErrExpired
	}
	if !s.IsActive {
		return ErrConsumed
	}

	s.IsActive = false
	s.ValidatedScore = &validatedScore
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}

	return n, nil
}
