// Package quizapi is the HTTP client for the quiz session and answer API.
// Every call resolves to a typed result or an *APIError; nothing panics and
// nothing is swallowed.
package quizapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"quizrush-client/internal/protocol"
)

// APIError carries the HTTP status and server message of a failed call.
// Callers treat these as retryable action failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quiz api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the session/answer REST API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures the API client.
type Option func(*Client)

// WithTimeout bounds every request; calls never hang indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient swaps the underlying http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates an API client rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the bearer token returned from JoinQuiz.
func (c *Client) SetToken(token string) {
	c.token = token
}

// JoinRequest is the participant login payload.
type JoinRequest struct {
	Nickname     string `json:"nickname"`
	QuizRoomCode string `json:"quizRoomCode"`
}

// JoinResponse identifies the joined participant.
type JoinResponse struct {
	Token         string `json:"token"`
	ParticipantID int64  `json:"participantId"`
	QuizID        int64  `json:"quizId"`
}

// AnswerSubmission is created at most once per question per participant;
// the duplicate guard lives in the participant state machine, before any
// network call.
type AnswerSubmission struct {
	ParticipantID         int64 `json:"participantId"`
	QuestionID            int64 `json:"questionId"`
	SelectedOptionIndices []int `json:"selectedOptionIndices"`
}

// AnswerResult is the server's verdict on a submission.
type AnswerResult struct {
	Correct              bool   `json:"correct"`
	PointsAwarded        int    `json:"pointsAwarded"`
	TotalScore           int    `json:"totalScore"`
	Message              string `json:"message"`
	CorrectOptionIndices []int  `json:"correctOptionIndices"`
}

// JoinQuiz registers a participant for the room.
func (c *Client) JoinQuiz(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	var resp JoinResponse
	err := c.do(ctx, http.MethodPost, "/participant/join", req, &resp)
	return resp, err
}

// LeaveQuiz removes the participant from the room.
func (c *Client) LeaveQuiz(ctx context.Context, roomCode string) error {
	return c.do(ctx, http.MethodPost, "/participant/leave/"+roomCode, nil, nil)
}

// OpenQuiz opens the room for participant joins.
func (c *Client) OpenQuiz(ctx context.Context, quizID int64, hostID string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(quizID, "open", hostID), nil, nil)
}

// StartQuiz begins question progression.
func (c *Client) StartQuiz(ctx context.Context, quizID int64, hostID string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(quizID, "start", hostID), nil, nil)
}

// EndQuiz terminates the session.
func (c *Client) EndQuiz(ctx context.Context, quizID int64, hostID string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(quizID, "end", hostID), nil, nil)
}

// NextQuestion advances the session and returns the new question.
func (c *Client) NextQuestion(ctx context.Context, quizID int64, hostID string) (protocol.Question, error) {
	var q protocol.Question
	err := c.do(ctx, http.MethodPost, c.sessionPath(quizID, "next-question", hostID), nil, &q)
	return q, err
}

// CurrentQuestion fetches the question currently in play.
func (c *Client) CurrentQuestion(ctx context.Context, quizID int64) (protocol.Question, error) {
	var q protocol.Question
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/quiz-sessions/%d/current-question", quizID), nil, &q)
	return q, err
}

// Participants lists everyone in the session.
func (c *Client) Participants(ctx context.Context, quizID int64) ([]protocol.Participant, error) {
	var ps []protocol.Participant
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/quiz-sessions/%d/participants", quizID), nil, &ps)
	return ps, err
}

// RemoveParticipant kicks a participant from the session.
func (c *Client) RemoveParticipant(ctx context.Context, quizID, participantID int64, hostID string) error {
	path := fmt.Sprintf("/quiz-sessions/%d/participants/%d?hostId=%s", quizID, participantID, hostID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Status returns the session status string.
func (c *Client) Status(ctx context.Context, quizID int64) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/quiz-sessions/%d/status", quizID), nil, &resp)
	return resp.Status, err
}

// SubmitAnswer records an answer for the current question.
func (c *Client) SubmitAnswer(ctx context.Context, quizID int64, sub AnswerSubmission) (AnswerResult, error) {
	var res AnswerResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/quiz-sessions/%d/submit-answer", quizID), sub, &res)
	return res, err
}

func (c *Client) sessionPath(quizID int64, action, hostID string) string {
	return fmt.Sprintf("/quiz-sessions/%d/%s?hostId=%s", quizID, action, hostID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = string(data)
	}
	return apiErr
}
