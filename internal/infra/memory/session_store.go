// Package memory provides the in-process session store. It is the default
// backend when no redis address is configured.
package memory

import (
	"context"
	"sync"

	"quizrush-client/internal/session"
)

// SessionStore is an in-memory implementation of session.Store.
type SessionStore struct {
	mu        sync.RWMutex
	snapshots map[string]session.Snapshot
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		snapshots: make(map[string]session.Snapshot),
	}
}

func (s *SessionStore) Save(_ context.Context, snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.RoomCode] = snap
	return nil
}

func (s *SessionStore) Load(_ context.Context, roomCode string) (session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[roomCode]
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}
	return snap, nil
}

func (s *SessionStore) Delete(_ context.Context, roomCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, roomCode)
	return nil
}
