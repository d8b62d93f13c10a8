package flow

import (
	"context"
	"sort"
	"sync"

	"quizrush-client/internal/protocol"
	"quizrush-client/internal/transport/ws"
)

// BoardEvents are the side effects the leaderboard display reports.
type BoardEvents struct {
	OnUpdate func(entries []protocol.LeaderboardEntry, final bool)
	OnFinal  func(entries []protocol.LeaderboardEntry)
}

// Board is the leaderboard display machine. It is stateless between updates
// except for the final flag: every LEADERBOARD_UPDATE fully replaces the
// displayed entries, and the payload's final flag is the sole authority for
// distinguishing interim from end-of-quiz standings.
type Board struct {
	transport Transport
	roomCode  string
	events    BoardEvents

	mu      sync.Mutex
	closed  bool
	entries []protocol.LeaderboardEntry
	final   bool
}

// NewBoard creates a leaderboard display for the room.
func NewBoard(t Transport, roomCode string, events BoardEvents) *Board {
	return &Board{transport: t, roomCode: roomCode, events: events}
}

// Watch subscribes the display to the room's pushes.
func (b *Board) Watch(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()
	return b.transport.Subscribe(ctx, b.roomCode, ws.Handlers{
		OnLeaderboardUpdate: b.onLeaderboardUpdate,
		OnQuizEnded:         b.onQuizEnded,
	})
}

// Entries returns the displayed standings, ordered by the served rank (rank
// 1 first). Rank is authoritative as received; it is never re-derived from
// scores.
func (b *Board) Entries() []protocol.LeaderboardEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.LeaderboardEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Final reports whether the displayed standings are the end-of-quiz ones.
func (b *Board) Final() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

// Close detaches the display from the room.
func (b *Board) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.transport.Unsubscribe(b.roomCode)
}

func (b *Board) onLeaderboardUpdate(lb protocol.Leaderboard) {
	entries := make([]protocol.LeaderboardEntry, len(lb.Entries))
	copy(entries, lb.Entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.entries = entries
	// A final update latches; a late interim push cannot clear it, and only
	// the first final transition reports OnFinal.
	firstFinal := lb.Final && !b.final
	final := b.final || lb.Final
	b.final = final
	ev := b.events
	b.mu.Unlock()

	if ev.OnUpdate != nil {
		ev.OnUpdate(entries, final)
	}
	if firstFinal && ev.OnFinal != nil {
		ev.OnFinal(entries)
	}
}

// onQuizEnded forces final standings locally even if the last
// LEADERBOARD_UPDATE had not set the flag.
func (b *Board) onQuizEnded() {
	b.mu.Lock()
	if b.closed || b.final {
		b.mu.Unlock()
		return
	}
	b.final = true
	entries := make([]protocol.LeaderboardEntry, len(b.entries))
	copy(entries, b.entries)
	ev := b.events
	b.mu.Unlock()

	if ev.OnFinal != nil {
		ev.OnFinal(entries)
	}
}
