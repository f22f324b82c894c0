package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 20 * time.Second
	// A peer silent for longer than this missed a pong and counts as gone;
	// the sweeper reaps it before the pongWait read deadline fires.
	staleAfter     = pingInterval + writeWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

var (
	// ErrConnClosed is returned when sending on a connection that is no longer open.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a slow peer's queue is full and the frame is dropped.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is one upgraded websocket connection. Outbound frames are queued
// and written by a single writer goroutine, so per-connection order is
// the enqueue order.
type Conn struct {
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	open   atomic.Bool
	once   sync.Once
	logger *slog.Logger

	now      func() time.Time
	lastSeen atomic.Int64 // unix nanos of the last frame or pong
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
	c.open.Store(true)
	c.touch()
	return c
}

func (c *Conn) touch() {
	c.lastSeen.Store(c.now().UnixNano())
}

// Send queues one text frame without blocking.
func (c *Conn) Send(data []byte) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Open reports whether the connection can still carry frames: it has not
// been closed and the peer was heard from within staleAfter.
func (c *Conn) Open() bool {
	if !c.open.Load() {
		return false
	}
	silent := c.now().Sub(time.Unix(0, c.lastSeen.Load()))
	return silent <= staleAfter
}

// Close marks the connection closed and tears down the socket. Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr is used for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// readPump hands every text frame to handle, one at a time, until the
// peer goes away or stays silent past pongWait.
func (c *Conn) readPump(handle func(*Conn, []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", "remote", c.RemoteAddr(), "error", err)
			}
			return
		}
		c.touch()
		if kind != websocket.TextMessage {
			continue
		}
		handle(c, data)
	}
}

// writePump drains the send queue to the socket and keeps the peer alive
// with control pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write error", "remote", c.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
