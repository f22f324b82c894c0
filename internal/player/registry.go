package player

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hersh/ragerelay/internal/protocol"
)

// Conn is the transport handle owned by a Session.
type Conn interface {
	Send(data []byte) error
	Open() bool
	Close() error
}

// Session is one player's live connection inside a room.
type Session struct {
	PlayerID  string
	Name      string
	Conn      Conn
	Position  protocol.Position
	Direction protocol.Direction
	LastSeen  time.Time
	JoinedAt  time.Time
}

// State is the roster view of a session.
func (s Session) State() protocol.PlayerState {
	return protocol.PlayerState{
		ID:        s.PlayerID,
		Name:      s.Name,
		Position:  s.Position,
		Direction: s.Direction,
	}
}

// Room is a snapshot of one room's membership.
type Room struct {
	Code     string
	Sessions []Session
}

// Departure records a session taken out of a room.
type Departure struct {
	RoomCode string
	Session  Session
}

// Registry owns room code -> sessions and the player id -> room code
// reverse index. Both maps are only touched under mu.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]map[string]*Session
	playerRoom map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:      make(map[string]map[string]*Session),
		playerRoom: make(map[string]string),
	}
}

// EnsureRoom returns the room for code, creating an empty one if absent.
func (r *Registry) EnsureRoom(code string) Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureRoom(code)
	return Room{Code: code, Sessions: r.snapshot(code)}
}

// AddSession seats s in room code, replacing any session with the same
// player id. A player seated in a different room is taken out of it
// first; that departure is returned so the caller can announce it.
// The returned roster is the room right after the insert, s included.
func (r *Registry) AddSession(code string, s Session) (roster []Session, moved *Departure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.playerRoom[s.PlayerID]; ok && prev != code {
		if old, ok := r.removeLocked(s.PlayerID); ok {
			moved = &Departure{RoomCode: prev, Session: old}
		}
	}

	room := r.ensureRoom(code)
	stored := s
	room[s.PlayerID] = &stored
	r.playerRoom[s.PlayerID] = code

	return r.snapshot(code), moved
}

// RemoveSession takes a player out of whichever room holds it and drops
// the room once empty. Unknown player ids are a no-op.
func (r *Registry) RemoveSession(playerID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := r.playerRoom[playerID]
	s, ok := r.removeLocked(playerID)
	if !ok {
		return Departure{}, false
	}
	return Departure{RoomCode: code, Session: s}, true
}

// RemoveConn removes every session whose connection is conn. Sessions
// that were re-seated on a newer connection are left alone.
func (r *Registry) RemoveConn(conn Conn) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var gone []Departure
	for playerID, code := range r.playerRoom {
		s, ok := r.rooms[code][playerID]
		if !ok || s.Conn != conn {
			continue
		}
		if removed, ok := r.removeLocked(playerID); ok {
			gone = append(gone, Departure{RoomCode: code, Session: removed})
		}
	}
	return gone
}

// ListSessions returns a copy of the room's sessions ordered by join time.
func (r *Registry) ListSessions(code string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(code)
}

// Lookup returns the session for a player in a given room.
func (r *Registry) Lookup(code, playerID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rooms[code][playerID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// RoomOf returns the room code the reverse index holds for a player.
func (r *Registry) RoomOf(playerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.playerRoom[playerID]
	return code, ok
}

// HasRoom reports whether a room currently exists.
func (r *Registry) HasRoom(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[code]
	return ok
}

// UpdatePosition records a move for a session, but only when conn is the
// connection that owns it. It reports whether the session was updated.
func (r *Registry) UpdatePosition(code, playerID string, conn Conn, pos protocol.Position, dir protocol.Direction, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[code][playerID]
	if !ok || s.Conn != conn {
		return false
	}
	s.Position = pos
	s.Direction = dir
	s.LastSeen = at
	return true
}

// ReapClosed removes every session whose connection is no longer open and
// deletes rooms left empty. Departures are grouped by room.
func (r *Registry) ReapClosed() []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var gone []Departure
	for code, room := range r.rooms {
		for playerID, s := range room {
			if s.Conn != nil && s.Conn.Open() {
				continue
			}
			delete(room, playerID)
			if r.playerRoom[playerID] == code {
				delete(r.playerRoom, playerID)
			}
			gone = append(gone, Departure{RoomCode: code, Session: *s})
		}
		if len(room) == 0 {
			delete(r.rooms, code)
		}
	}
	return gone
}

// Clear drops every room and returns the sessions that were seated.
func (r *Registry) Clear() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Session
	for _, room := range r.rooms {
		for _, s := range room {
			all = append(all, *s)
		}
	}
	r.rooms = make(map[string]map[string]*Session)
	r.playerRoom = make(map[string]string)
	return all
}

// Stats returns the number of rooms and seated sessions.
func (r *Registry) Stats() (rooms, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms = len(r.rooms)
	sessions = len(r.playerRoom)
	return rooms, sessions
}

// ensureRoom must be called with r.mu held.
func (r *Registry) ensureRoom(code string) map[string]*Session {
	room, ok := r.rooms[code]
	if !ok {
		room = make(map[string]*Session)
		r.rooms[code] = room
	}
	return room
}

// removeLocked must be called with r.mu held.
func (r *Registry) removeLocked(playerID string) (Session, bool) {
	code, ok := r.playerRoom[playerID]
	if !ok {
		return Session{}, false
	}
	delete(r.playerRoom, playerID)

	room := r.rooms[code]
	s, ok := room[playerID]
	if !ok {
		return Session{}, false
	}
	delete(room, playerID)
	if len(room) == 0 {
		delete(r.rooms, code)
	}
	return *s, true
}

// snapshot must be called with r.mu held.
func (r *Registry) snapshot(code string) []Session {
	room := r.rooms[code]
	out := make([]Session, 0, len(room))
	for _, s := range room {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Session) int {
		return cmp.Or(a.JoinedAt.Compare(b.JoinedAt), strings.Compare(a.PlayerID, b.PlayerID))
	})
	return out
}
