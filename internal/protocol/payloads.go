package protocol

// Participant mirrors the server's participant DTO.
type Participant struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
	RoomCode string `json:"roomCode"`
}

// Question is the per-question view pushed with NEW_QUESTION. It is immutable
// for the lifetime of one question and superseded, never mutated, by the next
// one. CorrectOptionIndices is only populated on host and result payloads.
type Question struct {
	ID                   int64    `json:"id"`
	Text                 string   `json:"text"`
	Options              []string `json:"options"`
	DurationSeconds      int      `json:"duration"`
	Points               int      `json:"points"`
	CorrectOptionIndices []int    `json:"correctOptionIndices,omitempty"`
}

// TimerUpdate carries an authoritative remaining-time push from the server.
type TimerUpdate struct {
	RemainingSeconds int   `json:"remainingSeconds"`
	QuestionID       int64 `json:"questionId"`
}

// LeaderboardEntry is one ranked row. Rank is authoritative as received;
// clients must not re-derive it from Score.
type LeaderboardEntry struct {
	ParticipantID  int64  `json:"participantId"`
	Nickname       string `json:"nickname"`
	Score          int    `json:"score"`
	Rank           int    `json:"rank"`
	TotalTimeSpent int64  `json:"totalTimeSpent"`
}

// Leaderboard is a full replacement of the displayed standings. Final
// distinguishes end-of-quiz standings from interim ones.
type Leaderboard struct {
	Entries []LeaderboardEntry `json:"entries"`
	Final   bool               `json:"isFinal"`
}

// ServerError is the payload of an ERROR push.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
