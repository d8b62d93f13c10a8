// Package session defines the locally persisted session data surrounding a
// quiz client: who joined which room, under what identity, and the last
// leaderboard snapshot seen. The core state machines require this data to be
// available synchronously when a room subscription is established; its
// lifecycle belongs to the code embedding them.
package session

import (
	"context"
	"errors"
	"time"

	"quizrush-client/internal/protocol"
)

// ErrNotFound is returned when no snapshot exists for a room.
var ErrNotFound = errors.New("session snapshot not found")

// Snapshot is the persisted state for one joined room.
type Snapshot struct {
	RoomCode      string               `json:"roomCode"`
	QuizID        int64                `json:"quizId"`
	ParticipantID int64                `json:"participantId"`
	Nickname      string               `json:"nickname"`
	Token         string               `json:"token"`
	Leaderboard   protocol.Leaderboard `json:"leaderboard"`
	SavedAt       time.Time            `json:"savedAt"`
}

// Store persists snapshots keyed by room code.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, roomCode string) (Snapshot, error)
	Delete(ctx context.Context, roomCode string) error
}
