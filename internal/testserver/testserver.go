// Package testserver hosts a scripted, in-process stand-in for the QuizRush
// real-time endpoint. Tests script server pushes and assert on what clients
// published; no quiz logic lives here.
package testserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quizrush-client/internal/protocol"
)

// Publish records one frame a client published.
type Publish struct {
	Destination string
	Body        json.RawMessage
}

type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]struct{}
}

// Server accepts websocket clients and multiplexes room topics over each
// connection, mirroring the production endpoint's framing.
type Server struct {
	hs       *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*clientConn]struct{}
	publishes   []Publish
	rejectNext  int
	swallowNext int
}

// New starts the server. Callers must Close it.
func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*clientConn]struct{}),
	}
	s.hs = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http")
}

// Close shuts the server down and drops every connection.
func (s *Server) Close() {
	s.DropConnections()
	s.hs.Close()
}

// RejectNext makes the next n upgrade attempts fail, for exercising dial
// failures and backoff.
func (s *Server) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
}

// SwallowPings makes the next n accepted connections discard client pings
// without answering, so a client waiting on pongs sees a dead peer.
func (s *Server) SwallowPings(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swallowNext = n
}

// DropConnections force-closes every live connection without close
// handshakes, simulating a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*clientConn]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SubscriberCount returns how many connections are subscribed to a room.
func (s *Server) SubscriberCount(roomCode string) int {
	topic := protocol.QuizTopic(roomCode)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		if _, ok := c.topics[topic]; ok {
			n++
		}
	}
	return n
}

// Publishes returns a copy of everything clients published so far.
func (s *Server) Publishes() []Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Publish, len(s.publishes))
	copy(out, s.publishes)
	return out
}

// Push sends an envelope of the given kind to every subscriber of the room.
func (s *Server) Push(roomCode string, kind protocol.Kind, payload interface{}) error {
	var body json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = data
	}
	env := protocol.Envelope{
		Kind:      kind,
		Payload:   body,
		RoomCode:  roomCode,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.PushRaw(protocol.QuizTopic(roomCode), data)
	return nil
}

// PushRaw writes an arbitrary frame to every subscriber of the topic. Tests
// use it for malformed and mismatched-room messages.
func (s *Server) PushRaw(topic string, data []byte) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		if _, ok := c.topics[topic]; ok {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.rejectNext > 0 {
		s.rejectNext--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.swallowNext > 0 {
		s.swallowNext--
		ws.SetPingHandler(func(string) error { return nil })
	}
	s.mu.Unlock()
	c := &clientConn{ws: ws, topics: make(map[string]struct{})}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var frame struct {
			Action      string          `json:"action"`
			Destination string          `json:"destination"`
			Body        json.RawMessage `json:"body"`
		}
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		s.mu.Lock()
		switch frame.Action {
		case "subscribe":
			c.topics[frame.Destination] = struct{}{}
		case "unsubscribe":
			delete(c.topics, frame.Destination)
		case "publish":
			s.publishes = append(s.publishes, Publish{
				Destination: frame.Destination,
				Body:        frame.Body,
			})
		}
		s.mu.Unlock()
	}
}
