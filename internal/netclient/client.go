package netclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hersh/ragerelay/internal/protocol"
	"github.com/jpillora/backoff"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 75 * time.Second
	maxMessageSize = 16384
	sendBuffer     = 64
	maxJitter      = 1000 // milliseconds
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrJoinTimeout is returned by JoinRoom when no room-joined reply arrives in time.
	ErrJoinTimeout = errors.New("join timed out")
	// ErrClosed is returned once the client has been closed on purpose.
	ErrClosed = errors.New("client closed")
	// ErrReconnectExhausted is wrapped into errors after retries ran out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config tunes dialing, reconnection and the heartbeat.
type Config struct {
	URL               string
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Jitter            bool
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
}

// DefaultConfig returns the stock settings. RELAY_URL overrides the URL.
func DefaultConfig() Config {
	url := os.Getenv("RELAY_URL")
	if url == "" {
		url = "ws://localhost:8080/ws"
	}
	return Config{
		URL:               url,
		MaxAttempts:       10,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		Jitter:            true,
		HeartbeatInterval: 30 * time.Second,
		JoinTimeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	return c
}

// Handler receives one inbound message.
type Handler func(protocol.Message)

type registration struct {
	id uint64
	fn Handler
}

// Subscription revokes a single handler registration.
type Subscription struct {
	client *Client
	kind   protocol.MessageType
	id     uint64
}

// Unsubscribe removes this registration only. Calling it twice is harmless.
func (s Subscription) Unsubscribe() {
	if s.client == nil {
		return
	}
	s.client.unsubscribe(s.kind, s.id)
}

// Client keeps a websocket to the relay open, reconnecting with
// exponential backoff and re-joining the last room after each reconnect.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer
	after  func(time.Duration) <-chan time.Time
	jitter func() time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	gen       uint64
	ws        *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	attempts  int
	exhausted bool
	joined    *protocol.JoinRoom
	handlers  map[protocol.MessageType][]registration
	nextID    uint64
}

// New returns a disconnected client. Zero durations and counts in cfg take
// their defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		after: time.After,
		jitter: func() time.Duration {
			return time.Duration(rand.Int64N(maxJitter)) * time.Millisecond
		},
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[protocol.MessageType][]registration),
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// State reports where the state machine currently is.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// Delay is the wait before retry number attempt (counting from zero):
// min(initial*2^attempt, max), plus up to a second of jitter when enabled.
func (c *Client) Delay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    c.cfg.InitialDelay,
		Max:    c.cfg.MaxDelay,
		Factor: 2,
	}
	d := b.ForAttempt(float64(attempt))
	if c.cfg.Jitter {
		d += c.jitter()
	}
	return d
}

// Connect dials the relay. A failed first dial is returned to the caller
// and does not start the retry loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: already %s", state)
	}
	c.state = Connecting
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.state = Disconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	if err := c.attach(ws); err != nil {
		ws.Close()
		return err
	}
	c.logger.Info("connected", "url", c.cfg.URL)
	return nil
}

// JoinRoom sends join-room and waits for the matching room-joined reply.
// The room is remembered and re-joined automatically after a reconnect.
func (c *Client) JoinRoom(ctx context.Context, code, playerID, name string) (protocol.RoomJoined, error) {
	replies := make(chan protocol.RoomJoined, 1)
	sub := c.On(protocol.MsgRoomJoined, func(msg protocol.Message) {
		rj, ok := msg.(protocol.RoomJoined)
		if !ok || rj.PlayerID != playerID {
			return
		}
		select {
		case replies <- rj:
		default:
		}
	})
	defer sub.Unsubscribe()

	req := protocol.JoinRoom{RoomCode: code, PlayerID: playerID, PlayerName: name}
	if err := c.Send(req); err != nil {
		return protocol.RoomJoined{}, fmt.Errorf("join %s: %w", code, err)
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case rj := <-replies:
		c.mu.Lock()
		c.joined = &req
		c.mu.Unlock()
		c.logger.Info("joined room", "room_code", code, "player_id", playerID, "players", len(rj.Players))
		return rj, nil
	case <-timer.C:
		return protocol.RoomJoined{}, fmt.Errorf("join %s: %w", code, ErrJoinTimeout)
	case <-ctx.Done():
		return protocol.RoomJoined{}, fmt.Errorf("join %s: %w", code, ctx.Err())
	case <-c.ctx.Done():
		return protocol.RoomJoined{}, fmt.Errorf("join %s: %w", code, ErrClosed)
	}
}

// Move reports the local avatar's position. It does nothing until a room
// has been joined.
func (c *Client) Move(pos protocol.Position, dir protocol.Direction) error {
	j, ok := c.room()
	if !ok {
		return nil
	}
	return c.Send(protocol.Move{RoomCode: j.RoomCode, PlayerID: j.PlayerID, Position: pos, Direction: dir})
}

// LevelComplete reports a finished level. It does nothing until a room has
// been joined.
func (c *Client) LevelComplete(level int) error {
	j, ok := c.room()
	if !ok {
		return nil
	}
	return c.Send(protocol.LevelComplete{RoomCode: j.RoomCode, PlayerID: j.PlayerID, Level: level})
}

// Send encodes msg and queues it on the open connection.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	state, sendCh, done, exhausted := c.state, c.sendCh, c.done, c.exhausted
	c.mu.Unlock()

	switch {
	case state == Closed:
		return ErrClosed
	case state != Connected && exhausted:
		return fmt.Errorf("%w: %w", ErrNotConnected, ErrReconnectExhausted)
	case state != Connected:
		return ErrNotConnected
	}

	select {
	case sendCh <- data:
		return nil
	case <-done:
		return ErrNotConnected
	}
}

// On registers fn for every later inbound message of the given type.
// Handlers run on the reader goroutine in arrival order.
func (c *Client) On(kind protocol.MessageType, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[kind] = append(c.handlers[kind], registration{id: id, fn: fn})
	return Subscription{client: c, kind: kind, id: id}
}

// Close disconnects on purpose. No reconnect follows and every
// subscription is dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.gen++
	ws, done := c.ws, c.done
	c.ws = nil
	c.handlers = make(map[protocol.MessageType][]registration)
	c.mu.Unlock()

	c.cancel()
	if ws == nil {
		return nil
	}
	close(done)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.logger.Info("disconnected")
	return ws.Close()
}

func (c *Client) unsubscribe(kind protocol.MessageType, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	regs := c.handlers[kind]
	for i, r := range regs {
		if r.id == id {
			c.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (c *Client) publish(msg protocol.Message) {
	c.mu.Lock()
	regs := append([]registration(nil), c.handlers[msg.Type()]...)
	c.mu.Unlock()

	for _, r := range regs {
		r.fn(msg)
	}
}

func (c *Client) room() (protocol.JoinRoom, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined == nil {
		return protocol.JoinRoom{}, false
	}
	return *c.joined, true
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	return ws, err
}

// attach installs ws as the live connection and starts its pumps.
func (c *Client) attach(ws *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return ErrClosed
	}

	c.gen++
	c.ws = ws
	c.sendCh = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.state = Connected
	c.attempts = 0
	c.exhausted = false

	go c.writePump(ws, c.sendCh, c.done)
	go c.readPump(c.gen, ws)
	return nil
}

// lost handles an unexpected drop of the connection from generation gen.
func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	ws, done := c.ws, c.done
	c.ws = nil
	c.state = Reconnecting
	c.mu.Unlock()

	close(done)
	ws.Close()
	c.logger.Warn("connection lost", "error", err)
	go c.reconnect()
}

func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		attempt := c.attempts
		if attempt >= c.cfg.MaxAttempts {
			c.state = Disconnected
			c.exhausted = true
			c.mu.Unlock()
			c.logger.Error("giving up on reconnect", "attempts", attempt)
			c.publish(protocol.ReconnectFailed{})
			return
		}
		c.mu.Unlock()

		delay := c.Delay(attempt)
		c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)
		select {
		case <-c.after(delay):
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		ws, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if err := c.attach(ws); err != nil {
			ws.Close()
			return
		}
		c.logger.Info("reconnected", "attempt", attempt+1)
		c.rejoin()
		return
	}
}

// rejoin re-sends the last join so the relay seats a fresh session.
func (c *Client) rejoin() {
	j, ok := c.room()
	if !ok {
		return
	}
	if err := c.Send(j); err != nil {
		c.logger.Warn("rejoin failed", "room_code", j.RoomCode, "error", err)
		return
	}
	c.logger.Info("rejoining room", "room_code", j.RoomCode, "player_id", j.PlayerID)
}

func (c *Client) readPump(gen uint64, ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(gen, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(readWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("ignoring inbound frame", "error", err)
			continue
		}
		c.publish(msg)
	}
}

// writePump owns all data writes on ws and sends the heartbeat ping.
func (c *Client) writePump(ws *websocket.Conn, sendCh <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := protocol.Encode(protocol.Ping{})
	for {
		select {
		case msg := <-sendCh:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}
