package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"quizrush-client/internal/flow"
	"quizrush-client/internal/protocol"
	"quizrush-client/internal/quizapi"
	"quizrush-client/internal/transport/ws"
)

// fakeTransport records subscriptions and publishes, and hands the captured
// handlers back to tests so they can play server pushes directly.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]ws.Handlers
	joins        []protocol.Participant
	leaves       []protocol.Participant
	unsubscribed []string
	subscribeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]ws.Handlers)}
}

func (f *fakeTransport) Subscribe(_ context.Context, roomCode string, h ws.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[roomCode] = h
	return nil
}

func (f *fakeTransport) Unsubscribe(roomCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, roomCode)
	f.unsubscribed = append(f.unsubscribed, roomCode)
}

func (f *fakeTransport) JoinRoom(roomCode string, p protocol.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, p)
	return nil
}

func (f *fakeTransport) LeaveRoom(roomCode string, p protocol.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, p)
	return nil
}

func (f *fakeTransport) room(t *testing.T, roomCode string) ws.Handlers {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[roomCode]
	if !ok {
		t.Fatalf("no subscription held for room %s", roomCode)
	}
	return h
}

type fakeParticipantAPI struct {
	mu             sync.Mutex
	joinResp       quizapi.JoinResponse
	joinErr        error
	submitResult   quizapi.AnswerResult
	submitErr      error
	submitCalls    int
	submitGate     chan struct{}
	lastSubmission quizapi.AnswerSubmission
	leaveCalls     int
}

func (f *fakeParticipantAPI) JoinQuiz(_ context.Context, req quizapi.JoinRequest) (quizapi.JoinResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return quizapi.JoinResponse{}, f.joinErr
	}
	return f.joinResp, nil
}

func (f *fakeParticipantAPI) LeaveQuiz(_ context.Context, roomCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveCalls++
	return nil
}

func (f *fakeParticipantAPI) SubmitAnswer(_ context.Context, quizID int64, sub quizapi.AnswerSubmission) (quizapi.AnswerResult, error) {
	f.mu.Lock()
	f.submitCalls++
	f.lastSubmission = sub
	gate := f.submitGate
	res, err := f.submitResult, f.submitErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return quizapi.AnswerResult{}, err
	}
	return res, nil
}

func (f *fakeParticipantAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

type fakeHostAPI struct {
	mu           sync.Mutex
	openErr      error
	startErr     error
	endErr       error
	nextQuestion protocol.Question
	nextErr      error
	participants []protocol.Participant
	openCalls    int
	startCalls   int
	endCalls     int
	nextCalls    int
}

func (f *fakeHostAPI) OpenQuiz(_ context.Context, quizID int64, hostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.openErr
}

func (f *fakeHostAPI) StartQuiz(_ context.Context, quizID int64, hostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeHostAPI) EndQuiz(_ context.Context, quizID int64, hostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return f.endErr
}

func (f *fakeHostAPI) NextQuestion(_ context.Context, quizID int64, hostID string) (protocol.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCalls++
	if f.nextErr != nil {
		return protocol.Question{}, f.nextErr
	}
	return f.nextQuestion, nil
}

func (f *fakeHostAPI) Participants(_ context.Context, quizID int64) ([]protocol.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants, nil
}

// waitFor polls until cond holds, for assertions on goroutine-driven state.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

var _ flow.Transport = (*fakeTransport)(nil)
var _ flow.ParticipantAPI = (*fakeParticipantAPI)(nil)
var _ flow.HostAPI = (*fakeHostAPI)(nil)
