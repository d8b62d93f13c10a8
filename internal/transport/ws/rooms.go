package ws

import (
	"context"

	"github.com/rs/zerolog/log"

	"quizrush-client/internal/protocol"
)

// Handlers is the typed callback set for one room subscription. Any handler
// may be nil; a nil handler for a known kind is a no-op, not an error.
type Handlers struct {
	OnParticipantJoined func(protocol.Participant)
	OnParticipantLeft   func(protocol.Participant)
	OnQuizStarted       func()
	OnQuizEnded         func()
	OnNewQuestion       func(protocol.Question)
	OnQuestionEnded     func()
	OnTimerUpdate       func(protocol.TimerUpdate)
	OnLeaderboardUpdate func(protocol.Leaderboard)
	OnError             func(protocol.ServerError)
}

// subscription binds a room code to its live handler set. At most one exists
// per room per client.
type subscription struct {
	roomCode string
	handlers Handlers
}

func quizTopic(roomCode string) string {
	return protocol.QuizTopic(roomCode)
}

// Subscribe attaches a handler set to a room, connecting first if needed.
// Re-subscribing to a room replaces the previous handler set atomically, so
// exactly one callback set is ever live per room and the old one receives no
// further dispatch.
func (c *Client) Subscribe(ctx context.Context, roomCode string, h Handlers) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	_, replaced := c.subs[roomCode]
	c.subs[roomCode] = &subscription{roomCode: roomCode, handlers: h}
	c.mu.Unlock()

	if replaced {
		log.Debug().Str("room", roomCode).Msg("replacing room subscription")
		return nil // server-side subscription already established
	}
	return c.sendSubscribe(roomCode)
}

// Unsubscribe drops a room's handler set. Idempotent: unsubscribing a room
// with no active subscription is a no-op.
func (c *Client) Unsubscribe(roomCode string) {
	c.mu.Lock()
	_, ok := c.subs[roomCode]
	delete(c.subs, roomCode)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.sendFrame(frame{Action: "unsubscribe", Destination: quizTopic(roomCode)}); err != nil && err != ErrNotConnected {
		log.Debug().Err(err).Str("room", roomCode).Msg("unsubscribe frame failed")
	}
}

// JoinRoom publishes a join for the room's action address.
func (c *Client) JoinRoom(roomCode string, p protocol.Participant) error {
	return c.Publish(protocol.JoinDestination(roomCode), p)
}

// LeaveRoom publishes a leave for the room's action address.
func (c *Client) LeaveRoom(roomCode string, p protocol.Participant) error {
	return c.Publish(protocol.LeaveDestination(roomCode), p)
}

// dispatch routes one received frame to the subscribed room's handler.
// Malformed envelopes, unsubscribed rooms, unknown kinds, and bad payloads
// are all protocol errors: logged and dropped, never thrown at the caller.
func (c *Client) dispatch(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("client", c.id).Msg("dropping malformed envelope")
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[env.RoomCode]
	c.mu.Unlock()
	if !ok {
		log.Warn().Err(protocol.ErrRoomMismatch).
			Str("client", c.id).Str("room", env.RoomCode).
			Str("kind", string(env.Kind)).
			Msg("dropping envelope for unsubscribed room")
		return
	}

	if !env.Kind.Known() {
		log.Warn().Str("client", c.id).Str("kind", string(env.Kind)).
			Msg("dropping envelope with unknown kind")
		return
	}

	payload, err := protocol.DecodePayload(env)
	if err != nil {
		log.Warn().Err(err).Str("client", c.id).Str("kind", string(env.Kind)).
			Msg("dropping envelope with malformed payload")
		return
	}

	h := sub.handlers
	switch env.Kind {
	case protocol.KindParticipantJoined:
		if h.OnParticipantJoined != nil {
			h.OnParticipantJoined(payload.(protocol.Participant))
		}
	case protocol.KindParticipantLeft:
		if h.OnParticipantLeft != nil {
			h.OnParticipantLeft(payload.(protocol.Participant))
		}
	case protocol.KindQuizStarted:
		if h.OnQuizStarted != nil {
			h.OnQuizStarted()
		}
	case protocol.KindQuizEnded:
		if h.OnQuizEnded != nil {
			h.OnQuizEnded()
		}
	case protocol.KindNewQuestion:
		if h.OnNewQuestion != nil {
			h.OnNewQuestion(payload.(protocol.Question))
		}
	case protocol.KindQuestionEnded:
		if h.OnQuestionEnded != nil {
			h.OnQuestionEnded()
		}
	case protocol.KindTimerUpdate:
		if h.OnTimerUpdate != nil {
			h.OnTimerUpdate(payload.(protocol.TimerUpdate))
		}
	case protocol.KindLeaderboardUpdate:
		if h.OnLeaderboardUpdate != nil {
			h.OnLeaderboardUpdate(payload.(protocol.Leaderboard))
		}
	case protocol.KindError:
		if h.OnError != nil {
			h.OnError(payload.(protocol.ServerError))
		}
	}
}
