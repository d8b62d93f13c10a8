// Package protocol defines the wire format shared with the QuizRush server:
// the message envelope, the closed set of message kinds, and the typed
// payloads carried by each kind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version identifies the protocol revision. Adding a message kind is a
// version change.
const Version = 1

// Kind discriminates every real-time message pushed by the server.
type Kind string

const (
	KindNewQuestion       Kind = "NEW_QUESTION"
	KindTimerUpdate       Kind = "TIMER_UPDATE"
	KindQuestionEnded     Kind = "QUESTION_ENDED"
	KindParticipantJoined Kind = "PARTICIPANT_JOINED"
	KindParticipantLeft   Kind = "PARTICIPANT_LEFT"
	KindLeaderboardUpdate Kind = "LEADERBOARD_UPDATE"
	KindQuizStarted       Kind = "QUIZ_STARTED"
	KindQuizEnded         Kind = "QUIZ_ENDED"
	KindError             Kind = "ERROR"
)

// Known reports whether k belongs to the closed kind set. Unknown kinds must
// be dropped by receivers, never treated as failures.
func (k Kind) Known() bool {
	switch k {
	case KindNewQuestion, KindTimerUpdate, KindQuestionEnded,
		KindParticipantJoined, KindParticipantLeft, KindLeaderboardUpdate,
		KindQuizStarted, KindQuizEnded, KindError:
		return true
	}
	return false
}

var (
	// ErrUnknownKind is returned when decoding a payload for a kind outside
	// the closed set.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrRoomMismatch is returned when an envelope's room code does not match
	// the subscribed room.
	ErrRoomMismatch = errors.New("envelope room code does not match subscription")
)

// Envelope wraps every message on the real-time channel. Payload stays raw
// until the kind is inspected; unknown top-level fields are ignored for
// forward compatibility.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RoomCode  string          `json:"roomCode"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeEnvelope parses a raw frame into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload returns the typed payload for a known kind. QUIZ_STARTED,
// QUIZ_ENDED, and QUESTION_ENDED carry no payload and decode to nil.
func DecodePayload(env Envelope) (interface{}, error) {
	switch env.Kind {
	case KindNewQuestion:
		var q Question
		if err := json.Unmarshal(env.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return q, nil
	case KindTimerUpdate:
		var t TimerUpdate
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return t, nil
	case KindParticipantJoined, KindParticipantLeft:
		var p Participant
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return p, nil
	case KindLeaderboardUpdate:
		var lb Leaderboard
		if err := json.Unmarshal(env.Payload, &lb); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return lb, nil
	case KindError:
		var se ServerError
		if err := json.Unmarshal(env.Payload, &se); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return se, nil
	case KindQuizStarted, KindQuizEnded, KindQuestionEnded:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// QuizTopic is the inbound destination for a room's pushed events.
func QuizTopic(roomCode string) string {
	return "/topic/quiz/" + roomCode
}

// JoinDestination is the outbound address for join publishes.
func JoinDestination(roomCode string) string {
	return "/app/quiz/" + roomCode + "/join"
}

// LeaveDestination is the outbound address for leave publishes.
func LeaveDestination(roomCode string) string {
	return "/app/quiz/" + roomCode + "/leave"
}
