// Package ws implements the real-time transport client for the QuizRush
// protocol: one websocket session per client, automatic reconnection with
// bounded exponential backoff, and room-scoped subscription multiplexing
// with typed dispatch.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotConnected is returned by sends attempted without an established
	// session.
	ErrNotConnected = errors.New("websocket client not connected")
	// ErrReconnectExhausted is surfaced to the state listener once the
	// reconnect attempt budget is spent. Recovery requires an explicit
	// Connect.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Config holds transport tuning. Zero values are filled from DefaultConfig.
type Config struct {
	URL               string
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	MaxMessageSize    int64
}

// DefaultConfig returns the transport defaults for the given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		ReconnectBase:     2 * time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,
		MaxMessageSize:    64 * 1024,
	}
}

// frame is the control wrapper for everything the client sends. The server
// multiplexes rooms over one socket, so subscriptions are expressed as
// frames rather than separate connections.
type frame struct {
	Action      string          `json:"action"` // subscribe | unsubscribe | publish
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects a clock; tests pass a clockwork.FakeClock to drive
// backoff and heartbeat cadence deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithStateListener registers a callback for connection state transitions.
func WithStateListener(l StateListener) Option {
	return func(c *Client) { c.listener = l }
}

// Client owns a single logical connection to the real-time endpoint. It is
// constructed explicitly and injected into the state machines; there is no
// package-level shared instance.
type Client struct {
	cfg      Config
	clock    clockwork.Clock
	id       string
	listener StateListener

	sf singleflight.Group

	mu           sync.Mutex
	state        ConnState
	conn         *websocket.Conn
	gen          int // bumped per physical connection; stale pumps see a mismatch
	attempts     int
	delay        time.Duration
	reconnecting bool
	subs         map[string]*subscription

	writeMu sync.Mutex
}

// New creates a transport client. Connect must be called before use, either
// directly or through Subscribe.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig(cfg.URL)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	c := &Client{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		id:    uuid.NewString()[:8],
		state: StateDisconnected,
		delay: cfg.ReconnectBase,
		subs:  make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the websocket session. It is idempotent: an already
// connected client returns immediately, and concurrent callers share a
// single in-flight dial instead of racing to open duplicate sockets.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.sf.DoChan("connect", func() (interface{}, error) {
		if err := c.dialOnce(); err != nil {
			c.startReconnect()
			return nil, err
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialOnce performs a single dial attempt and, on success, installs the
// connection and replays subscriptions for every room still held. A live
// connection makes it a no-op so racing dial paths cannot stack sockets.
func (c *Client) dialOnce() error {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.setState(StateErrored, err)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempts = 0
	c.delay = c.cfg.ReconnectBase
	c.state = StateConnected
	rooms := make([]string, 0, len(c.subs))
	for room := range c.subs {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	go c.readPump(conn, gen)
	go c.pingLoop(conn, gen)

	log.Info().Str("client", c.id).Str("url", c.cfg.URL).Msg("websocket connected")
	c.notify(StateConnected, nil)

	for _, room := range rooms {
		if err := c.sendSubscribe(room); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("subscription replay failed")
		}
	}
	return nil
}

// Disconnect tears down all subscriptions and the underlying session and
// resets the state to DISCONNECTED. Safe to call from any state, including
// when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.subs = make(map[string]*subscription)
	conn := c.conn
	c.conn = nil
	c.gen++
	c.attempts = 0
	c.delay = c.cfg.ReconnectBase
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		conn.Close()
	}
	if prev != StateDisconnected {
		log.Info().Str("client", c.id).Msg("websocket disconnected")
		c.notify(StateDisconnected, nil)
	}
}

// Publish marshals the payload and sends it to the given destination. Send
// errors are returned to the caller; they do not by themselves tear down
// the connection.
func (c *Client) Publish(destination string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}
	return c.sendFrame(frame{Action: "publish", Destination: destination, Body: body})
}

func (c *Client) sendSubscribe(roomCode string) error {
	return c.sendFrame(frame{Action: "subscribe", Destination: quizTopic(roomCode)})
}

func (c *Client) sendFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Action, err)
	}
	return nil
}

// readPump reads frames until the connection dies. Dispatch runs
// synchronously here, so messages for a room are delivered strictly in
// arrival order with no handler overlap.
func (c *Client) readPump(conn *websocket.Conn, gen int) {
	pongWait := 2 * c.cfg.HeartbeatInterval
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Covers remote close, network failure, and a missed heartbeat
			// (read deadline expiry): all take the reconnect path.
			c.handleConnectionLoss(gen, err)
			return
		}
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			// This socket was replaced; whatever it still reads must not
			// reach the handlers.
			return
		}
		c.dispatch(data)
	}
}

// pingLoop advertises the client side of the bidirectional keep-alive.
func (c *Client) pingLoop(conn *websocket.Conn, gen int) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.Chan() {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("heartbeat write failed")
			return
		}
	}
}

// handleConnectionLoss reacts to an unexpected close. Only the first pump of
// the current generation proceeds; Disconnect and replaced connections bump
// gen so stale pumps fall through.
func (c *Client) handleConnectionLoss(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.state = StateErrored
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warn().Err(cause).Str("client", c.id).Msg("websocket closed unexpectedly")
	} else {
		log.Debug().Err(cause).Str("client", c.id).Msg("websocket read loop ended")
	}
	c.notify(StateErrored, cause)
	c.startReconnect()
}

// startReconnect launches the backoff loop unless one is already running.
func (c *Client) startReconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff: base, 2x, 4x, ... capped
// at ReconnectMax, bounded by ReconnectAttempts. Backoff state resets to
// baseline only after a successful connect (inside dialOnce).
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.state == StateDisconnected || c.state == StateConnected {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		if attempt > c.cfg.ReconnectAttempts {
			c.attempts = 0
			c.delay = c.cfg.ReconnectBase
			c.mu.Unlock()
			log.Error().Str("client", c.id).
				Int("attempts", c.cfg.ReconnectAttempts).
				Msg("reconnect budget exhausted")
			c.notify(StateErrored, ErrReconnectExhausted)
			return
		}
		delay := c.delay
		c.delay = minDuration(2*c.delay, c.cfg.ReconnectMax)
		c.mu.Unlock()

		log.Info().Str("client", c.id).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting")

		<-c.clock.After(delay)

		c.mu.Lock()
		if c.state == StateDisconnected || c.state == StateConnected {
			// Disconnect was called while waiting, or an explicit Connect
			// already won the race. Either way this loop is done.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		// Share the dial with Connect so a concurrent explicit Connect and
		// this loop can never open two sockets for one client.
		_, err, _ := c.sf.Do("connect", func() (interface{}, error) {
			return nil, c.dialOnce()
		})
		if err == nil {
			return
		}
	}
}

func (c *Client) setState(state ConnState, err error) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.notify(state, err)
}

func (c *Client) notify(state ConnState, err error) {
	if c.listener != nil {
		c.listener(state, err)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
