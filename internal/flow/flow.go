// Package flow contains the per-role quiz state machines. Each machine is
// driven by dispatched room events, a local countdown, and user actions, and
// reports role-appropriate side effects through an events struct. Server
// events are always authoritative over local timing.
package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"quizrush-client/internal/protocol"
	"quizrush-client/internal/quizapi"
	"quizrush-client/internal/transport/ws"
)

var (
	// ErrAlreadySubmitted rejects a second answer for the same question
	// before any network call is made.
	ErrAlreadySubmitted = errors.New("answer already submitted for this question")
	// ErrNotAnswering is returned when a submission is attempted outside the
	// answering phase.
	ErrNotAnswering = errors.New("no question is currently accepting answers")
	// ErrClosed is returned by actions on a torn-down machine.
	ErrClosed = errors.New("state machine is closed")
	// ErrNotAwaitingAdvance rejects an advance outside the awaiting phase.
	ErrNotAwaitingAdvance = errors.New("host is not awaiting advance")
	// ErrEndNotRequested means ConfirmEndQuiz was called without the
	// confirmation step.
	ErrEndNotRequested = errors.New("end quiz has not been requested")
)

// Transport is what the machines need from the websocket client.
type Transport interface {
	Subscribe(ctx context.Context, roomCode string, h ws.Handlers) error
	Unsubscribe(roomCode string)
	JoinRoom(roomCode string, p protocol.Participant) error
	LeaveRoom(roomCode string, p protocol.Participant) error
}

// ParticipantAPI is the slice of the REST collaborator used by participants.
type ParticipantAPI interface {
	JoinQuiz(ctx context.Context, req quizapi.JoinRequest) (quizapi.JoinResponse, error)
	LeaveQuiz(ctx context.Context, roomCode string) error
	SubmitAnswer(ctx context.Context, quizID int64, sub quizapi.AnswerSubmission) (quizapi.AnswerResult, error)
}

// HostAPI is the slice of the REST collaborator used by hosts.
type HostAPI interface {
	OpenQuiz(ctx context.Context, quizID int64, hostID string) error
	StartQuiz(ctx context.Context, quizID int64, hostID string) error
	EndQuiz(ctx context.Context, quizID int64, hostID string) error
	NextQuestion(ctx context.Context, quizID int64, hostID string) (protocol.Question, error)
	Participants(ctx context.Context, quizID int64) ([]protocol.Participant, error)
}

// countdown runs a once-per-second local countdown for one question. It is
// cancelled when the question is superseded, the server ends the question
// early, or the machine is closed.
type countdown struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func newCountdown(clock clockwork.Clock, seconds int, tick func(remaining int)) *countdown {
	cd := &countdown{stop: make(chan struct{})}
	go func() {
		t := clock.NewTicker(time.Second)
		defer t.Stop()
		remaining := seconds
		for remaining > 0 {
			select {
			case <-cd.stop:
				return
			case <-t.Chan():
				remaining--
				tick(remaining)
			}
		}
	}()
	return cd
}

func (c *countdown) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
