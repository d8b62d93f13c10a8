package flow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizrush-client/internal/protocol"
	"quizrush-client/internal/transport/ws"
)

// HostPhase names the host machine's position.
type HostPhase string

const (
	HostIdle            HostPhase = "IDLE"
	HostWaitingRoom     HostPhase = "WAITING_ROOM"
	HostQuestionActive  HostPhase = "QUESTION_ACTIVE"
	HostAwaitingAdvance HostPhase = "AWAITING_ADVANCE"
	HostQuizEnded       HostPhase = "QUIZ_ENDED"
)

// HostEvents are the side effects the host machine reports to its UI.
type HostEvents struct {
	OnPhase       func(HostPhase)
	OnRoster      func([]protocol.Participant)
	OnQuestion    func(protocol.Question)
	OnTick        func(questionID int64, remaining int)
	OnLeaderboard func(protocol.Leaderboard)
	OnServerError func(protocol.ServerError)
}

// HostSummary is the end-of-session report the host screen renders.
type HostSummary struct {
	StartedAt time.Time
	Duration  time.Duration
	Roster    []protocol.Participant
	Final     protocol.Leaderboard
}

type hostQuestion struct {
	question  protocol.Question
	remaining int
}

// Host drives the host-side quiz flow:
// Idle -> WaitingRoom -> QuestionActive -> AwaitingAdvance ->
// (QuestionActive | QuizEnded).
type Host struct {
	transport Transport
	api       HostAPI
	clock     clockwork.Clock
	events    HostEvents
	quizID    int64
	hostID    string
	roomCode  string

	mu           sync.Mutex
	closed       bool
	phase        HostPhase
	roster       map[int64]protocol.Participant
	startedAt    time.Time
	q            *hostQuestion
	cd           *countdown
	endRequested bool
	leaderboard  protocol.Leaderboard
}

// HostOption configures the machine.
type HostOption func(*Host)

// WithHostClock injects a clock for deterministic countdowns.
func WithHostClock(clock clockwork.Clock) HostOption {
	return func(h *Host) { h.clock = clock }
}

// NewHost creates a host machine in the Idle phase.
func NewHost(t Transport, api HostAPI, quizID int64, hostID, roomCode string, events HostEvents, opts ...HostOption) *Host {
	h := &Host{
		transport: t,
		api:       api,
		clock:     clockwork.NewRealClock(),
		events:    events,
		quizID:    quizID,
		hostID:    hostID,
		roomCode:  roomCode,
		phase:     HostIdle,
		roster:    make(map[int64]protocol.Participant),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open opens the room for participant joins and subscribes to its events.
// On failure the machine stays Idle so the caller can retry.
func (h *Host) Open(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.phase != HostIdle {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.api.OpenQuiz(ctx, h.quizID, h.hostID); err != nil {
		return err
	}
	if err := h.transport.Subscribe(ctx, h.roomCode, h.handlers()); err != nil {
		return err
	}
	h.setPhase(HostWaitingRoom)
	return nil
}

// Start begins question progression. The first question arrives as a
// NEW_QUESTION push on the room topic.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.phase != HostWaitingRoom {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.api.StartQuiz(ctx, h.quizID, h.hostID); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed || h.phase != HostWaitingRoom {
		h.mu.Unlock()
		return nil
	}
	h.startedAt = h.clock.Now() // used later for the summary report
	h.phase = HostQuestionActive
	ev := h.events
	h.mu.Unlock()

	if ev.OnPhase != nil {
		ev.OnPhase(HostQuestionActive)
	}
	return nil
}

// Advance moves to the next question. It is only valid while awaiting
// advance and is never triggered automatically. On failure the machine
// remains in AwaitingAdvance and the control stays enabled for retry.
func (h *Host) Advance(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.phase != HostAwaitingAdvance {
		h.mu.Unlock()
		return ErrNotAwaitingAdvance
	}
	h.mu.Unlock()

	q, err := h.api.NextQuestion(ctx, h.quizID, h.hostID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed || h.phase == HostQuizEnded {
		// The quiz ended while the call was in flight; drop the result.
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.applyQuestion(q)
	return nil
}

// RequestEndQuiz is the confirmation step for ending the quiz; the end is
// only committed by ConfirmEndQuiz.
func (h *Host) RequestEndQuiz() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed && h.phase != HostQuizEnded {
		h.endRequested = true
	}
}

// CancelEndQuiz withdraws a pending end request.
func (h *Host) CancelEndQuiz() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endRequested = false
}

// ConfirmEndQuiz commits a previously requested end. Terminal on success.
func (h *Host) ConfirmEndQuiz(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if !h.endRequested {
		h.mu.Unlock()
		return ErrEndNotRequested
	}
	h.mu.Unlock()

	if err := h.api.EndQuiz(ctx, h.quizID, h.hostID); err != nil {
		return err
	}
	h.finish()
	return nil
}

// RefreshRoster re-fetches the participant list from the session API.
func (h *Host) RefreshRoster(ctx context.Context) error {
	participants, err := h.api.Participants(ctx, h.quizID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.roster = make(map[int64]protocol.Participant, len(participants))
	for _, p := range participants {
		h.roster[p.ID] = p
	}
	roster := h.rosterLocked()
	ev := h.events
	h.mu.Unlock()

	if ev.OnRoster != nil {
		ev.OnRoster(roster)
	}
	return nil
}

// Summary reports the session for the host's end screen.
func (h *Host) Summary() HostSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HostSummary{
		StartedAt: h.startedAt,
		Roster:    h.rosterLocked(),
		Final:     h.leaderboard,
	}
	if !h.startedAt.IsZero() {
		s.Duration = h.clock.Now().Sub(h.startedAt)
	}
	return s
}

// Close tears the machine down and detaches from the room.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.cd != nil {
		h.cd.Stop()
		h.cd = nil
	}
	h.mu.Unlock()
	h.transport.Unsubscribe(h.roomCode)
}

// Phase returns the current phase.
func (h *Host) Phase() HostPhase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Roster returns the current participant list ordered by id.
func (h *Host) Roster() []protocol.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked()
}

// Question returns the question in play, if any.
func (h *Host) Question() (protocol.Question, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.q == nil {
		return protocol.Question{}, false
	}
	return h.q.question, true
}

// Remaining returns the seconds left on the current question.
func (h *Host) Remaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.q == nil {
		return 0
	}
	return h.q.remaining
}

// EndRequested reports whether the end confirmation step is pending.
func (h *Host) EndRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endRequested
}

func (h *Host) handlers() ws.Handlers {
	return ws.Handlers{
		OnParticipantJoined: h.onParticipantJoined,
		OnParticipantLeft:   h.onParticipantLeft,
		OnQuizStarted:       h.onQuizStarted,
		OnNewQuestion:       h.applyQuestion,
		OnQuestionEnded:     h.onQuestionEnded,
		OnTimerUpdate:       h.onTimerUpdate,
		OnLeaderboardUpdate: h.onLeaderboardUpdate,
		OnQuizEnded:         h.finish,
		OnError:             h.onServerError,
	}
}

func (h *Host) onParticipantJoined(p protocol.Participant) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.roster[p.ID] = p
	roster := h.rosterLocked()
	ev := h.events
	h.mu.Unlock()
	if ev.OnRoster != nil {
		ev.OnRoster(roster)
	}
}

func (h *Host) onParticipantLeft(p protocol.Participant) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	delete(h.roster, p.ID)
	roster := h.rosterLocked()
	ev := h.events
	h.mu.Unlock()
	if ev.OnRoster != nil {
		ev.OnRoster(roster)
	}
}

// onQuizStarted covers a start triggered by another host instance.
func (h *Host) onQuizStarted() {
	h.mu.Lock()
	if h.closed || h.phase != HostWaitingRoom {
		h.mu.Unlock()
		return
	}
	if h.startedAt.IsZero() {
		h.startedAt = h.clock.Now()
	}
	h.phase = HostQuestionActive
	ev := h.events
	h.mu.Unlock()
	if ev.OnPhase != nil {
		ev.OnPhase(HostQuestionActive)
	}
}

// applyQuestion installs a question and restarts the countdown. It serves
// both the NEW_QUESTION push and the NextQuestion call result; whichever
// arrives second for the same question is a no-op.
func (h *Host) applyQuestion(q protocol.Question) {
	h.mu.Lock()
	if h.closed || h.phase == HostQuizEnded || h.phase == HostIdle {
		h.mu.Unlock()
		return
	}
	if h.q != nil && h.q.question.ID == q.ID && h.phase == HostQuestionActive {
		h.mu.Unlock()
		return
	}
	if h.cd != nil {
		h.cd.Stop()
	}
	if h.startedAt.IsZero() {
		// A question pushed before any start signal still marks the quiz
		// as running; the summary clock starts here.
		h.startedAt = h.clock.Now()
	}
	h.q = &hostQuestion{question: q, remaining: q.DurationSeconds}
	h.phase = HostQuestionActive
	qid := q.ID
	h.cd = newCountdown(h.clock, q.DurationSeconds, func(int) { h.onLocalTick(qid) })
	ev := h.events
	h.mu.Unlock()

	if ev.OnQuestion != nil {
		ev.OnQuestion(q)
	}
	if ev.OnPhase != nil {
		ev.OnPhase(HostQuestionActive)
	}
}

func (h *Host) onLocalTick(questionID int64) {
	h.mu.Lock()
	if h.closed || h.q == nil || h.q.question.ID != questionID {
		h.mu.Unlock()
		return
	}
	if h.q.remaining > 0 {
		h.q.remaining--
	}
	h.applyRemainingLocked(questionID)
}

func (h *Host) onTimerUpdate(t protocol.TimerUpdate) {
	h.mu.Lock()
	if h.closed || h.q == nil || h.q.question.ID != t.QuestionID {
		h.mu.Unlock()
		return
	}
	if t.RemainingSeconds < h.q.remaining {
		h.q.remaining = t.RemainingSeconds
	}
	h.applyRemainingLocked(t.QuestionID)
}

// applyRemainingLocked emits the tick and unlocks the next-question control
// on expiry. Called with the lock held; releases it.
func (h *Host) applyRemainingLocked(questionID int64) {
	remaining := h.q.remaining
	advance := remaining <= 0 && h.phase == HostQuestionActive
	if advance {
		h.phase = HostAwaitingAdvance
		if h.cd != nil {
			h.cd.Stop()
			h.cd = nil
		}
	}
	ev := h.events
	h.mu.Unlock()

	if ev.OnTick != nil {
		ev.OnTick(questionID, remaining)
	}
	if advance && ev.OnPhase != nil {
		ev.OnPhase(HostAwaitingAdvance)
	}
}

// onQuestionEnded pre-empts the local countdown: the server signal wins even
// if seconds remain locally.
func (h *Host) onQuestionEnded() {
	h.mu.Lock()
	if h.closed || h.phase != HostQuestionActive {
		h.mu.Unlock()
		return
	}
	if h.cd != nil {
		h.cd.Stop()
		h.cd = nil
	}
	h.phase = HostAwaitingAdvance
	ev := h.events
	h.mu.Unlock()
	if ev.OnPhase != nil {
		ev.OnPhase(HostAwaitingAdvance)
	}
}

func (h *Host) onLeaderboardUpdate(lb protocol.Leaderboard) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.leaderboard = lb
	ev := h.events
	h.mu.Unlock()
	if ev.OnLeaderboard != nil {
		ev.OnLeaderboard(lb)
	}
}

// finish force-transitions to QuizEnded from any state: it serves both a
// confirmed local end and a QUIZ_ENDED push triggered elsewhere.
func (h *Host) finish() {
	h.mu.Lock()
	if h.closed || h.phase == HostQuizEnded {
		h.mu.Unlock()
		return
	}
	if h.cd != nil {
		h.cd.Stop()
		h.cd = nil
	}
	h.phase = HostQuizEnded
	h.endRequested = false
	ev := h.events
	h.mu.Unlock()
	if ev.OnPhase != nil {
		ev.OnPhase(HostQuizEnded)
	}
}

func (h *Host) onServerError(se protocol.ServerError) {
	log.Warn().Str("room", h.roomCode).Str("code", se.Code).
		Str("message", se.Message).Msg("server error push")
	h.mu.Lock()
	ev := h.events
	h.mu.Unlock()
	if ev.OnServerError != nil {
		ev.OnServerError(se)
	}
}

func (h *Host) setPhase(phase HostPhase) {
	h.mu.Lock()
	if h.closed || h.phase == phase {
		h.mu.Unlock()
		return
	}
	h.phase = phase
	ev := h.events
	h.mu.Unlock()
	if ev.OnPhase != nil {
		ev.OnPhase(phase)
	}
}

func (h *Host) rosterLocked() []protocol.Participant {
	roster := make([]protocol.Participant, 0, len(h.roster))
	for _, p := range h.roster {
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}
