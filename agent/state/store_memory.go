package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps sessions in-process. Reads return deep copies so callers never
// share message slices with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(_ context.Context, st *Session) error {
	if st == nil {
		return ErrNilSessionState
	}
	if strings.TrimSpace(st.SessionID) == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[st.SessionID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, st.SessionID)
	}
	s.sessions[st.SessionID] = st.Clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return ErrStateNotFound
	}
	staged := (&Session{Messages: msgs}).Clone().Messages
	st.Messages = append(st.Messages, staged...)
	for _, m := range staged {
		if m.CreatedAt.After(st.UpdatedAt) {
			st.UpdatedAt = m.CreatedAt
		}
	}
	return nil
}

func (s *MemoryStore) SetPending(_ context.Context, sessionID string, pending *PendingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return ErrStateNotFound
	}
	if pending == nil {
		st.Pending = nil
		return nil
	}
	st.Pending = (&Session{Pending: pending}).Clone().Pending
	return nil
}
