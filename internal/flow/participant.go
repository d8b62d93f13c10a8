package flow

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizrush-client/internal/protocol"
	"quizrush-client/internal/quizapi"
	"quizrush-client/internal/transport/ws"
)

// ParticipantPhase names the participant machine's position.
type ParticipantPhase string

const (
	PhaseJoining            ParticipantPhase = "JOINING"
	PhaseWaiting            ParticipantPhase = "WAITING"
	PhaseAnswering          ParticipantPhase = "ANSWERING"
	PhaseLocked             ParticipantPhase = "LOCKED"
	PhaseViewingLeaderboard ParticipantPhase = "VIEWING_LEADERBOARD"
	PhaseSessionEnded       ParticipantPhase = "SESSION_ENDED"
)

// Outcome classifies how one question concluded for the participant. A
// no-answer outcome is distinct from a wrong answer, though neither awards
// points.
type Outcome string

const (
	OutcomeNone     Outcome = "NONE"
	OutcomeNoAnswer Outcome = "NO_ANSWER"
	OutcomeCorrect  Outcome = "CORRECT"
	OutcomeWrong    Outcome = "WRONG"
)

// ParticipantEvents are the side effects the machine reports to its UI.
// Callbacks are invoked without the machine lock held; they must not assume
// the reported state is still current.
type ParticipantEvents struct {
	OnPhase       func(ParticipantPhase)
	OnQuestion    func(protocol.Question)
	OnTick        func(questionID int64, remaining int)
	OnResult      func(quizapi.AnswerResult)
	OnLeaderboard func(protocol.Leaderboard)
	OnServerError func(protocol.ServerError)
	OnEnded       func()
}

// questionState is created fresh on every NEW_QUESTION; nothing from the
// previous question survives into it.
type questionState struct {
	question  protocol.Question
	remaining int
	submitted bool
	selected  []int
	outcome   Outcome
	result    *quizapi.AnswerResult
}

// Participant drives the participant-side quiz flow:
// Joining -> Waiting -> Answering -> Locked -> ViewingLeaderboard ->
// (Answering | SessionEnded).
type Participant struct {
	transport Transport
	api       ParticipantAPI
	clock     clockwork.Clock
	events    ParticipantEvents
	roomCode  string
	nickname  string

	mu            sync.Mutex
	closed        bool
	phase         ParticipantPhase
	quizID        int64
	participantID int64
	q             *questionState
	cd            *countdown
	leaderboard   protocol.Leaderboard
}

// ParticipantOption configures the machine.
type ParticipantOption func(*Participant)

// WithParticipantClock injects a clock for deterministic countdowns.
func WithParticipantClock(clock clockwork.Clock) ParticipantOption {
	return func(p *Participant) { p.clock = clock }
}

// NewParticipant creates a participant machine in the Joining phase.
func NewParticipant(t Transport, api ParticipantAPI, roomCode, nickname string, events ParticipantEvents, opts ...ParticipantOption) *Participant {
	p := &Participant{
		transport: t,
		api:       api,
		clock:     clockwork.NewRealClock(),
		events:    events,
		roomCode:  roomCode,
		nickname:  nickname,
		phase:     PhaseJoining,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Join registers with the session API, subscribes to the room, and announces
// the participant. On failure the machine stays in Joining so the caller can
// retry.
func (p *Participant) Join(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.phase != PhaseJoining {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	resp, err := p.api.JoinQuiz(ctx, quizapi.JoinRequest{Nickname: p.nickname, QuizRoomCode: p.roomCode})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.quizID = resp.QuizID
	p.participantID = resp.ParticipantID
	p.mu.Unlock()

	if err := p.transport.Subscribe(ctx, p.roomCode, p.handlers()); err != nil {
		return err
	}
	if err := p.transport.JoinRoom(p.roomCode, protocol.Participant{
		ID: resp.ParticipantID, Nickname: p.nickname, RoomCode: p.roomCode,
	}); err != nil {
		return err
	}

	p.setPhase(PhaseWaiting)
	return nil
}

func (p *Participant) handlers() ws.Handlers {
	return ws.Handlers{
		OnQuizStarted:       p.onQuizStarted,
		OnNewQuestion:       p.onNewQuestion,
		OnQuestionEnded:     p.onQuestionEnded,
		OnTimerUpdate:       p.onTimerUpdate,
		OnLeaderboardUpdate: p.onLeaderboardUpdate,
		OnQuizEnded:         p.onQuizEnded,
		OnError:             p.onServerError,
	}
}

// SubmitAnswer submits at most one answer for the current question. The
// duplicate guard fires before any network call, and the machine locks
// optimistically before the server acknowledges; a failed attempt reverts to
// Answering so the user can retry.
func (p *Participant) SubmitAnswer(ctx context.Context, selected []int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.phase != PhaseAnswering || p.q == nil {
		p.mu.Unlock()
		return ErrNotAnswering
	}
	if p.q.submitted {
		p.mu.Unlock()
		return ErrAlreadySubmitted
	}
	p.q.submitted = true
	p.q.selected = append([]int(nil), selected...)
	p.phase = PhaseLocked
	qid := p.q.question.ID
	quizID := p.quizID
	participantID := p.participantID
	ev := p.events
	p.mu.Unlock()

	if ev.OnPhase != nil {
		ev.OnPhase(PhaseLocked)
	}

	res, err := p.api.SubmitAnswer(ctx, quizID, quizapi.AnswerSubmission{
		ParticipantID:         participantID,
		QuestionID:            qid,
		SelectedOptionIndices: selected,
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.q == nil || p.q.question.ID != qid {
		// The question was superseded while the call was in flight; the
		// result belongs to state that no longer exists.
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		p.q.submitted = false
		reverted := false
		if p.phase == PhaseLocked {
			p.phase = PhaseAnswering
			reverted = true
		}
		p.mu.Unlock()
		if reverted && ev.OnPhase != nil {
			ev.OnPhase(PhaseAnswering)
		}
		return err
	}
	p.q.result = &res
	if res.Correct {
		p.q.outcome = OutcomeCorrect
	} else {
		p.q.outcome = OutcomeWrong
	}
	p.mu.Unlock()

	if ev.OnResult != nil {
		ev.OnResult(res)
	}
	return nil
}

// Leave tells the session API the participant is gone and tears the machine
// down.
func (p *Participant) Leave(ctx context.Context) error {
	err := p.api.LeaveQuiz(ctx, p.roomCode)
	p.Close()
	return err
}

// Close tears the machine down: cancels the countdown, unsubscribes the
// room, and announces the departure. Results of calls still in flight are
// dropped afterward.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.cd != nil {
		p.cd.Stop()
		p.cd = nil
	}
	participantID := p.participantID
	p.mu.Unlock()

	p.transport.Unsubscribe(p.roomCode)
	if err := p.transport.LeaveRoom(p.roomCode, protocol.Participant{
		ID: participantID, Nickname: p.nickname, RoomCode: p.roomCode,
	}); err != nil {
		log.Debug().Err(err).Str("room", p.roomCode).Msg("leave publish failed")
	}
}

// Phase returns the current phase.
func (p *Participant) Phase() ParticipantPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Question returns the live question, if any.
func (p *Participant) Question() (protocol.Question, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil {
		return protocol.Question{}, false
	}
	return p.q.question, true
}

// Remaining returns the seconds left on the current question.
func (p *Participant) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil {
		return 0
	}
	return p.q.remaining
}

// Outcome reports how the current question concluded so far.
func (p *Participant) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil {
		return OutcomeNone
	}
	return p.q.outcome
}

// Result returns the server's verdict for the current question, if received.
func (p *Participant) Result() (quizapi.AnswerResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil || p.q.result == nil {
		return quizapi.AnswerResult{}, false
	}
	return *p.q.result, true
}

// Leaderboard returns the latest standings received.
func (p *Participant) Leaderboard() protocol.Leaderboard {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderboard
}

// ParticipantID returns the identity assigned at join.
func (p *Participant) ParticipantID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.participantID
}

// QuizID returns the quiz id assigned at join.
func (p *Participant) QuizID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quizID
}

func (p *Participant) onQuizStarted() {
	p.mu.Lock()
	if p.closed || p.phase != PhaseWaiting {
		p.mu.Unlock()
		return
	}
	// The question itself arrives with NEW_QUESTION; entering Answering here
	// lets the UI leave the waiting room immediately.
	p.phase = PhaseAnswering
	ev := p.events
	p.mu.Unlock()
	if ev.OnPhase != nil {
		ev.OnPhase(PhaseAnswering)
	}
}

func (p *Participant) onNewQuestion(q protocol.Question) {
	p.mu.Lock()
	if p.closed || p.phase == PhaseSessionEnded || p.phase == PhaseJoining {
		p.mu.Unlock()
		return
	}
	if p.cd != nil {
		p.cd.Stop()
	}
	// Fresh value object per question: selections, lock flags, and result
	// flags never carry across questions.
	p.q = &questionState{question: q, remaining: q.DurationSeconds, outcome: OutcomeNone}
	p.phase = PhaseAnswering
	qid := q.ID
	p.cd = newCountdown(p.clock, q.DurationSeconds, func(int) { p.onLocalTick(qid) })
	ev := p.events
	p.mu.Unlock()

	if ev.OnQuestion != nil {
		ev.OnQuestion(q)
	}
	if ev.OnPhase != nil {
		ev.OnPhase(PhaseAnswering)
	}
}

// onLocalTick burns one second off the local countdown. The countdown is
// only a fallback; server TIMER_UPDATE pushes override it.
func (p *Participant) onLocalTick(questionID int64) {
	p.mu.Lock()
	if p.closed || p.q == nil || p.q.question.ID != questionID {
		p.mu.Unlock()
		return
	}
	if p.q.remaining > 0 {
		p.q.remaining--
	}
	p.applyRemainingLocked(questionID)
}

func (p *Participant) onTimerUpdate(t protocol.TimerUpdate) {
	p.mu.Lock()
	if p.closed || p.q == nil || p.q.question.ID != t.QuestionID {
		p.mu.Unlock()
		return
	}
	// remainingSeconds never increases within a question's lifetime.
	if t.RemainingSeconds < p.q.remaining {
		p.q.remaining = t.RemainingSeconds
	}
	p.applyRemainingLocked(t.QuestionID)
}

// applyRemainingLocked emits the tick and handles expiry. Called with the
// lock held; releases it.
func (p *Participant) applyRemainingLocked(questionID int64) {
	remaining := p.q.remaining
	lockNow := remaining <= 0 && p.phase == PhaseAnswering
	if lockNow {
		if !p.q.submitted {
			// Time ran out with no submission: lock locally, send nothing.
			p.q.outcome = OutcomeNoAnswer
		}
		p.phase = PhaseLocked
		if p.cd != nil {
			p.cd.Stop()
			p.cd = nil
		}
	}
	ev := p.events
	p.mu.Unlock()

	if ev.OnTick != nil {
		ev.OnTick(questionID, remaining)
	}
	if lockNow && ev.OnPhase != nil {
		ev.OnPhase(PhaseLocked)
	}
}

// onQuestionEnded is authoritative: it pre-empts the local countdown and
// moves to the leaderboard view exactly once per question.
func (p *Participant) onQuestionEnded() {
	p.mu.Lock()
	if p.closed || (p.phase != PhaseAnswering && p.phase != PhaseLocked) {
		p.mu.Unlock()
		return
	}
	if p.cd != nil {
		p.cd.Stop()
		p.cd = nil
	}
	if p.q != nil && !p.q.submitted && p.q.outcome == OutcomeNone {
		p.q.outcome = OutcomeNoAnswer
	}
	p.phase = PhaseViewingLeaderboard
	ev := p.events
	p.mu.Unlock()

	if ev.OnPhase != nil {
		ev.OnPhase(PhaseViewingLeaderboard)
	}
}

func (p *Participant) onLeaderboardUpdate(lb protocol.Leaderboard) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.leaderboard = lb
	ev := p.events
	p.mu.Unlock()

	if ev.OnLeaderboard != nil {
		ev.OnLeaderboard(lb)
	}
}

// onQuizEnded is terminal from any state.
func (p *Participant) onQuizEnded() {
	p.mu.Lock()
	if p.closed || p.phase == PhaseSessionEnded {
		p.mu.Unlock()
		return
	}
	if p.cd != nil {
		p.cd.Stop()
		p.cd = nil
	}
	p.phase = PhaseSessionEnded
	ev := p.events
	p.mu.Unlock()

	if ev.OnPhase != nil {
		ev.OnPhase(PhaseSessionEnded)
	}
	if ev.OnEnded != nil {
		ev.OnEnded()
	}
}

func (p *Participant) onServerError(se protocol.ServerError) {
	log.Warn().Str("room", p.roomCode).Str("code", se.Code).
		Str("message", se.Message).Msg("server error push")
	p.mu.Lock()
	ev := p.events
	p.mu.Unlock()
	if ev.OnServerError != nil {
		ev.OnServerError(se)
	}
}

func (p *Participant) setPhase(phase ParticipantPhase) {
	p.mu.Lock()
	if p.closed || p.phase == phase {
		p.mu.Unlock()
		return
	}
	p.phase = phase
	ev := p.events
	p.mu.Unlock()
	if ev.OnPhase != nil {
		ev.OnPhase(phase)
	}
}
