package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hersh/ragerelay/internal/game"
	"github.com/hersh/ragerelay/internal/player"
	"github.com/hersh/ragerelay/internal/protocol"
)

// Relay dispatches inbound envelopes and fans events out to rooms. All
// room state lives in the registry.
//
// mu serialises each registry change together with the frames it queues,
// so a joiner's room-joined roster is never overtaken by a later join or
// leave. Conn.Send must not block while mu is held.
type Relay struct {
	mu       sync.Mutex
	registry *player.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func NewRelay(registry *player.Registry, logger *slog.Logger) *Relay {
	return &Relay{
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry exposes the room registry for stats and tests.
func (r *Relay) Registry() *player.Registry {
	return r.registry
}

// Handle processes one text frame received on conn. Errors are logged and
// contained to this frame; the connection stays open.
func (r *Relay) Handle(conn player.Conn, data []byte) {
	defer func() {
		if err := recover(); err != nil {
			r.logger.Error("panic while handling message", "error", err)
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		r.logger.Warn("dropping message", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		r.join(conn, m)
	case protocol.Move:
		r.move(conn, m)
	case protocol.LevelComplete:
		r.levelComplete(m)
	case protocol.Ping:
		r.reply(conn, protocol.Pong{})
	default:
		r.logger.Warn("unexpected message type from client", "type", msg.Type())
	}
}

// HandleDisconnect removes whatever session conn owned and tells the rest
// of its room.
func (r *Relay) HandleDisconnect(conn player.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range r.registry.RemoveConn(conn) {
		r.broadcast(dep.RoomCode, protocol.PlayerLeft{PlayerID: dep.Session.PlayerID}, "")
		r.logger.Info("player disconnected",
			"room_code", dep.RoomCode,
			"player_id", dep.Session.PlayerID)
		r.logRoomRemoved(dep.RoomCode)
	}
}

// Sweep reaps sessions whose connection is no longer open, closes what is
// left of those connections and announces each departure. It returns how
// many sessions were removed.
func (r *Relay) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	gone := r.registry.ReapClosed()
	for _, dep := range gone {
		if dep.Session.Conn != nil {
			dep.Session.Conn.Close()
		}
		r.broadcast(dep.RoomCode, protocol.PlayerLeft{PlayerID: dep.Session.PlayerID}, "")
		r.logger.Info("reaped stale session",
			"room_code", dep.RoomCode,
			"player_id", dep.Session.PlayerID,
			"last_seen", dep.Session.LastSeen)
	}
	return len(gone)
}

// Broadcast serialises msg once and queues it on every open connection in
// the room except exclude. Failed sends are skipped. It returns the number
// of connections the frame was queued on.
func (r *Relay) Broadcast(code string, msg protocol.Message, exclude string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcast(code, msg, exclude)
}

// broadcast must be called with r.mu held.
func (r *Relay) broadcast(code string, msg protocol.Message, exclude string) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encode broadcast", "room_code", code, "error", err)
		return 0
	}

	delivered := 0
	for _, s := range r.registry.ListSessions(code) {
		if s.PlayerID == exclude || s.Conn == nil || !s.Conn.Open() {
			continue
		}
		if err := s.Conn.Send(data); err != nil {
			r.logger.Debug("broadcast send failed",
				"room_code", code,
				"player_id", s.PlayerID,
				"type", msg.Type(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Shutdown closes every seated connection and empties the registry.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.registry.Clear() {
		if s.Conn != nil {
			s.Conn.Close()
		}
	}
}

func (r *Relay) join(conn player.Conn, m protocol.JoinRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.registry.HasRoom(m.RoomCode) {
		r.registry.EnsureRoom(m.RoomCode)
		r.logger.Info("room created", "room_code", m.RoomCode)
	}

	roster, moved := r.registry.AddSession(m.RoomCode, player.Session{
		PlayerID:  m.PlayerID,
		Name:      m.PlayerName,
		Conn:      conn,
		Position:  game.SpawnPoint,
		Direction: game.SpawnDirection,
		LastSeen:  now,
		JoinedAt:  now,
	})
	if moved != nil {
		r.broadcast(moved.RoomCode, protocol.PlayerLeft{PlayerID: m.PlayerID}, "")
		r.logger.Info("player switched rooms",
			"player_id", m.PlayerID,
			"from", moved.RoomCode,
			"to", m.RoomCode)
		r.logRoomRemoved(moved.RoomCode)
	}

	players := make([]protocol.PlayerState, 0, len(roster))
	for _, s := range roster {
		players = append(players, s.State())
	}
	r.reply(conn, protocol.RoomJoined{PlayerID: m.PlayerID, Players: players})

	r.broadcast(m.RoomCode, protocol.PlayerJoined{
		PlayerID:   m.PlayerID,
		PlayerName: m.PlayerName,
		Position:   game.SpawnPoint,
		Direction:  game.SpawnDirection,
	}, m.PlayerID)

	r.logger.Info("player joined",
		"room_code", m.RoomCode,
		"player_id", m.PlayerID,
		"player_name", m.PlayerName,
		"players", len(roster))
}

func (r *Relay) move(conn player.Conn, m protocol.Move) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registry.UpdatePosition(m.RoomCode, m.PlayerID, conn, m.Position, m.Direction, r.now()) {
		r.logger.Debug("move for unknown session",
			"room_code", m.RoomCode,
			"player_id", m.PlayerID)
		return
	}

	r.broadcast(m.RoomCode, protocol.PlayerMoved{
		PlayerID:  m.PlayerID,
		Position:  m.Position,
		Direction: m.Direction,
	}, m.PlayerID)
}

func (r *Relay) levelComplete(m protocol.LevelComplete) {
	n := r.Broadcast(m.RoomCode, protocol.LevelAdvance{PlayerID: m.PlayerID, Level: m.Level}, "")
	r.logger.Info("level complete",
		"room_code", m.RoomCode,
		"player_id", m.PlayerID,
		"level", m.Level,
		"recipients", n)
}

// reply sends msg to a single connection only.
func (r *Relay) reply(conn player.Conn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encode reply", "type", msg.Type(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		r.logger.Debug("reply send failed", "type", msg.Type(), "error", err)
	}
}

func (r *Relay) logRoomRemoved(code string) {
	if !r.registry.HasRoom(code) {
		r.logger.Info("room removed", "room_code", code)
	}
}
