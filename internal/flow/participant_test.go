package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quizrush-client/internal/flow"
	"quizrush-client/internal/protocol"
	"quizrush-client/internal/quizapi"
)

func joinedParticipant(t *testing.T, transport *fakeTransport, api *fakeParticipantAPI, events flow.ParticipantEvents, opts ...flow.ParticipantOption) *flow.Participant {
	t.Helper()
	api.joinResp = quizapi.JoinResponse{ParticipantID: 7, QuizID: 42}
	p := flow.NewParticipant(transport, api, "ROOM1", "alice", events, opts...)
	if err := p.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	return p
}

func sampleQuestion(id int64, duration int) protocol.Question {
	return protocol.Question{
		ID:              id,
		Text:            "What is the capital of France?",
		Options:         []string{"Lyon", "Paris", "Nice"},
		DurationSeconds: duration,
		Points:          100,
	}
}

func TestParticipantJoinHandshake(t *testing.T) {
	transport := newFakeTransport()
	api := &fakeParticipantAPI{}
	p := joinedParticipant(t, transport, api, flow.ParticipantEvents{})

	if got := p.Phase(); got != flow.PhaseWaiting {
		t.Fatalf("expected WAITING after join, got %s", got)
	}
	if p.ParticipantID() != 7 || p.QuizID() != 42 {
		t.Fatalf("ids not captured: participant=%d quiz=%d", p.ParticipantID(), p.QuizID())
	}
	transport.room(t, "ROOM1")
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.joins) != 1 || transport.joins[0].ID != 7 || transport.joins[0].Nickname != "alice" {
		t.Fatalf("expected one join announcement for alice, got %+v", transport.joins)
	}
}

func TestParticipantJoinFailureStaysJoining(t *testing.T) {
	transport := newFakeTransport()
	api := &fakeParticipantAPI{joinErr: &quizapi.APIError{StatusCode: 404, Message: "room not found"}}
	p := flow.NewParticipant(transport, api, "ROOM1", "alice", flow.ParticipantEvents{})

	if err := p.Join(context.Background()); err == nil {
		t.Fatalf("expected join error")
	}
	if got := p.Phase(); got != flow.PhaseJoining {
		t.Fatalf("expected JOINING after failure, got %s", got)
	}

	// Clearing the failure lets the same machine retry.
	api.mu.Lock()
	api.joinErr = nil
	api.joinResp = quizapi.JoinResponse{ParticipantID: 7, QuizID: 42}
	api.mu.Unlock()
	if err := p.Join(context.Background()); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	if got := p.Phase(); got != flow.PhaseWaiting {
		t.Fatalf("expected WAITING after retry, got %s", got)
	}
}

func TestParticipantLocalCountdownLocksWithoutSubmission(t *testing.T) {
	fc := clockwork.NewFakeClock()
	transport := newFakeTransport()
	api := &fakeParticipantAPI{}
	p := joinedParticipant(t, transport, api, flow.ParticipantEvents{}, flow.WithParticipantClock(fc))

	h := transport.room(t, "ROOM1")
	h.OnNewQuestion(sampleQuestion(1, 3))
	if got := p.Phase(); got != flow.PhaseAnswering {
		t.Fatalf("expected ANSWERING, got %s", got)
	}
	if got := p.Remaining(); got != 3 {
		t.Fatalf("expected 3s remaining, got %d", got)
	}

	fc.BlockUntil(1)
	for i := 0; i < 3; i++ {
		remaining := p.Remaining()
		fc.Advance(time.Second)
		waitFor(t, func() bool { return p.Remaining() < remaining })
	}

	waitFor(t, func() bool { return p.Phase() == flow.PhaseLocked })
	if got := p.Outcome(); got != flow.OutcomeNoAnswer {
		t.Fatalf("expected NO_ANSWER outcome, got %s", got)
	}
	if api.calls() != 0 {
		t.Fatalf("timeout must not trigger a submission, got %d calls", api.calls())
	}
}

func TestParticipantSubmitOnce(t *testing.T) {
	transport := newFakeTransport()
	api := &fakeParticipantAPI{submitResult: quizapi.AnswerResult{Correct: true, PointsAwarded: 100, TotalScore: 100}}
	p := joinedParticipant(t, transport, api, flow.ParticipantEvents{}, flow.WithParticipantClock(clockwork.NewFakeClock()))

	transport.room(t, "ROOM1").OnNewQuestion(sampleQuestion(1, 30))
	if err := p.SubmitAnswer(context.Background(), []int{1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := p.Phase(); got != flow.PhaseLocked {
		t.Fatalf("expected LOCKED after submit, got %s", got)
	}
	if got := p.Outcome(); got != flow.OutcomeCorrect {
		t.Fatalf("expected CORRECT, got %s", got)
	}
	res, ok := p.Result()
	if !ok || res.TotalScore != 100 {
		t.Fatalf("expected result with total 100, got %+v ok=%v", res, ok)
	}

	if err := p.SubmitAnswer(context.Background(), []int{2}); err != flow.ErrNotAnswering {
		t.Fatalf("expected ErrNotAnswering once locked, got %v", err)
	}
	if api.calls() != 1 {
		t.Fatalf("expected exactly one network call, got %d", api.calls())
	}
	api.mu.Lock()
	sub := api.lastSubmission
	api.mu.Unlock()
	if sub.ParticipantID != 7 || sub.QuestionID != 1 || len(sub.SelectedOptionIndices) != 1 || sub.SelectedOptionIndices[0] != 1 {
		t.Fatalf("unexpected submission payload: %+v", sub)
	}
}

func TestParticipantConcurrentSubmitSingleCall(t *testing.T) {
	transport := newFakeTransport()
	api := &fakeParticipantAPI{submitGate: make(chan struct{})}
	p := joinedParticipant(t, transport, api, flow.ParticipantEvents{}, flow.WithParticipantClock(clockwork.NewFakeClock()))

	transport.room(t, "ROOM1").OnNewQuestion(sampleQuestion(1, 30))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(opt int) {
			defer wg.Done()
			errs <- p.SubmitAnswer(context.Background(), []int{opt})
		}(i)
	}

	waitFor(t, func() bool { return api.calls() == 1 })
	close(api.submitGate)
	wg.Wait()
	close(errs)

	var rejections int
	for err := range errs {
		switch err {
		case nil:
		case flow.ErrAlreadySubmitted, flow.ErrNotAnswering:
			rejections++
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if rejections != 1 {
		t.Fatalf("expected exactly one rejected duplicate, got %d", rejections)
	}
	if api.calls() != 1 {
		t.Fatalf("expected one network call, got %d", api.calls())
	}
}

func TestParticipantSubmitFailureReverts(t *testing.T) {
	transport := newFakeTransport()
	api := &fakeParticipantAPI{submitErr: &quizapi.APIError{StatusCode: 500, Message: "boom"}}
	p := joinedParticipant(t, transport, api, flow.ParticipantEvents{}, flow.WithParticipantClock(clockwork.NewFakeClock()))

	transport.room(t, "ROOM1").OnNewQuestion(sampleQuestion(1, 30))
	if err := p.SubmitAnswer(context.Background(), []int{0}); err == nil {
		t.Fatalf("expected submit error")
	}
	if got := p.Phase(); got != flow.PhaseAnswering {
		t.Fatalf("expected revert to ANSWERING, got %s", got)
	}
	if got := p.Outcome(); got != flow.OutcomeNone {
		t.Fatalf("expected outcome NONE after failed submit, got %s", got)
	}

	api.mu.Lock()
	api.submitErr = nil
	api.submitResult = quizapi.AnswerResult{Correct: false, TotalScore: 0}
	api.mu.Unlock()
	if err := p.SubmitAnswer(context.Background(), []int{0}); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if got := p.Outcome(); got != flow.OutcomeWrong {
		t.Fatalf("expected WRONG after retry, got %s", got)
	}
	if api.calls() != 2 {
		t.Fatalf("expected two calls across retry, got %d", api.calls())
	}
}

func TestParticipantTimerUpdateOnlyDecreases(t *testing.T) {
	transport := newFakeTransport()
	p := joinedParticipant(t, transport, &fakeParticipantAPI{}, flow.ParticipantEvents{}, flow.WithParticipantClock(clockwork.NewFakeClock()))

	h := transport.room(t, "ROOM1")
	h.OnNewQuestion(sampleQuestion(1, 30))

	h.OnTimerUpdate(protocol.TimerUpdate{QuestionID: 1, RemainingSeconds: 25})
	if got := p.Remaining(); got != 25 {
		t.Fatalf("expected 25 after server update, got %d", got)
	}
	// Out-of-order delivery: a stale, higher value never rolls the timer back.
	h.OnTimerUpdate(protocol.TimerUpdate{QuestionID: 1, RemainingSeconds: 28})
	if got := p.Remaining(); got != 25 {
		t.Fatalf("stale update applied: got %d", got)
	}
	// Updates for a different question are ignored.
	h.OnTimerUpdate(protocol.TimerUpdate{QuestionID: 2, RemainingSeconds: 3})
	if got := p.Remaining(); got != 25 {
		t.Fatalf("foreign-question update applied: got %d", got)
	}
}

func TestParticipantZeroTimerThenQuestionEnded(t *testing.T) {
	transport := newFakeTransport()
	var phases []flow.ParticipantPhase
	var mu sync.Mutex
	events := flow.ParticipantEvents{
		OnPhase: func(phase flow.ParticipantPhase) {
			mu.Lock()
			phases = append(phases, phase)
			mu.Unlock()
		},
	}
	p := joinedParticipant(t, transport, &fakeParticipantAPI{}, events, flow.WithParticipantClock(clockwork.NewFakeClock()))

	h := transport.room(t, "ROOM1")
	h.OnNewQuestion(sampleQuestion(1, 30))
	h.OnTimerUpdate(protocol.TimerUpdate{QuestionID: 1, RemainingSeconds: 0})
	if got := p.Phase(); got != flow.PhaseLocked {
		t.Fatalf("expected LOCKED at zero, got %s", got)
	}
	if got := p.Outcome(); got != flow.OutcomeNoAnswer {
		t.Fatalf("expected NO_ANSWER at zero, got %s", got)
	}

	h.OnQuestionEnded()
	if got := p.Phase(); got != flow.PhaseViewingLeaderboard {
		t.Fatalf("expected VIEWING_LEADERBOARD, got %s", got)
	}
	// A duplicate end signal must not fire the transition twice.
	h.OnQuestionEnded()

	mu.Lock()
	defer mu.Unlock()
	var viewing int
	for _, phase := range phases {
		if phase == flow.PhaseViewingLeaderboard {
			viewing++
		}
	}
	if viewing != 1 {
		t.Fatalf("expected exactly one transition to leaderboard view, got %d", viewing)
	}
}

func TestParticipantLateSubmitResultDropped(t *testing.T) {
	transport := newFakeTransport()
	api := &fakeParticipantAPI{
		submitGate:   make(chan struct{}),
		submitResult: quizapi.AnswerResult{Correct: true, PointsAwarded: 100},
	}
	p := joinedParticipant(t, transport, api, flow.ParticipantEvents{}, flow.WithParticipantClock(clockwork.NewFakeClock()))

	h := transport.room(t, "ROOM1")
	h.OnNewQuestion(sampleQuestion(1, 30))

	done := make(chan error, 1)
	go func() { done <- p.SubmitAnswer(context.Background(), []int{0}) }()
	waitFor(t, func() bool { return api.calls() == 1 })

	// The next question supersedes the one the call was for.
	h.OnNewQuestion(sampleQuestion(2, 30))
	close(api.submitGate)
	if err := <-done; err != nil {
		t.Fatalf("superseded submit should return nil, got %v", err)
	}

	if _, ok := p.Result(); ok {
		t.Fatalf("stale result must not attach to the new question")
	}
	if got := p.Outcome(); got != flow.OutcomeNone {
		t.Fatalf("new question outcome polluted: %s", got)
	}
	if err := p.SubmitAnswer(context.Background(), []int{1}); err != nil {
		t.Fatalf("fresh question must accept a submission: %v", err)
	}
}

func TestParticipantQuizEndedTerminal(t *testing.T) {
	transport := newFakeTransport()
	var endedCount int
	var mu sync.Mutex
	events := flow.ParticipantEvents{
		OnEnded: func() {
			mu.Lock()
			endedCount++
			mu.Unlock()
		},
	}
	p := joinedParticipant(t, transport, &fakeParticipantAPI{}, events, flow.WithParticipantClock(clockwork.NewFakeClock()))

	h := transport.room(t, "ROOM1")
	h.OnNewQuestion(sampleQuestion(1, 30))
	h.OnQuizEnded()
	if got := p.Phase(); got != flow.PhaseSessionEnded {
		t.Fatalf("expected SESSION_ENDED, got %s", got)
	}

	// Terminal: nothing moves the machine afterward.
	h.OnQuizEnded()
	h.OnNewQuestion(sampleQuestion(2, 30))
	if got := p.Phase(); got != flow.PhaseSessionEnded {
		t.Fatalf("machine moved after terminal state: %s", got)
	}
	if err := p.SubmitAnswer(context.Background(), []int{0}); err != flow.ErrNotAnswering {
		t.Fatalf("expected ErrNotAnswering after end, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if endedCount != 1 {
		t.Fatalf("expected OnEnded exactly once, got %d", endedCount)
	}
}

func TestParticipantLeaderboardReplaced(t *testing.T) {
	transport := newFakeTransport()
	p := joinedParticipant(t, transport, &fakeParticipantAPI{}, flow.ParticipantEvents{}, flow.WithParticipantClock(clockwork.NewFakeClock()))

	h := transport.room(t, "ROOM1")
	h.OnLeaderboardUpdate(protocol.Leaderboard{Entries: []protocol.LeaderboardEntry{
		{ParticipantID: 7, Nickname: "alice", Score: 100, Rank: 1},
		{ParticipantID: 8, Nickname: "bob", Score: 50, Rank: 2},
	}})
	h.OnLeaderboardUpdate(protocol.Leaderboard{Entries: []protocol.LeaderboardEntry{
		{ParticipantID: 8, Nickname: "bob", Score: 150, Rank: 1},
	}})

	lb := p.Leaderboard()
	if len(lb.Entries) != 1 || lb.Entries[0].ParticipantID != 8 {
		t.Fatalf("expected full replacement with bob leading, got %+v", lb.Entries)
	}
}
