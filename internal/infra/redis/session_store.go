// Package redis provides a redis-backed session store so a rejoining client
// (or another process on the same machine) can recover its room identity and
// last leaderboard snapshot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizrush-client/internal/session"
)

// SessionStore is a redis implementation of session.Store. Snapshots are
// stored as JSON blobs with a TTL so abandoned rooms expire on their own.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) Save(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snap.RoomCode), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

func (s *SessionStore) Load(ctx context.Context, roomCode string) (session.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(roomCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("load session snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	return snap, nil
}

func (s *SessionStore) Delete(ctx context.Context, roomCode string) error {
	if err := s.client.Del(ctx, s.key(roomCode)).Err(); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

func (s *SessionStore) key(roomCode string) string {
	return "quizrush:session:" + roomCode
}
