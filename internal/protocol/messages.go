package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of message sent over the wire.
type MessageType string

const (
	// Client -> Relay messages
	MsgJoinRoom      MessageType = "join-room"
	MsgMove          MessageType = "move"
	MsgLevelComplete MessageType = "level-complete"
	MsgPing          MessageType = "ping"

	// Relay -> Client messages
	MsgRoomJoined   MessageType = "room-joined"
	MsgPlayerJoined MessageType = "player-joined"
	MsgPlayerMoved  MessageType = "player-moved"
	MsgPlayerLeft   MessageType = "player-left"
	MsgLevelAdvance MessageType = "level-advance"
	MsgPong         MessageType = "pong"

	// Client-local, never sent by the relay.
	MsgReconnectFailed MessageType = "reconnect-failed"
)

var (
	// ErrMalformed is returned when a frame is not a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for a well-formed envelope with an unrecognised type tag.
	ErrUnknownType = errors.New("unknown message type")
)

// Direction is the facing of an avatar.
type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
)

// Valid reports whether d is one of the two facings.
func (d Direction) Valid() bool {
	return d == Left || d == Right
}

// Position is a point in world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlayerState is one roster entry in a room-joined reply.
type PlayerState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  Position  `json:"position"`
	Direction Direction `json:"direction"`
}

// Message is implemented by every envelope variant.
type Message interface {
	Type() MessageType
}

// --- Client -> Relay ---

// JoinRoom asks the relay to seat the connection in a room.
type JoinRoom struct {
	RoomCode   string `json:"roomCode"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// Move reports the sender's latest position and facing.
type Move struct {
	RoomCode  string    `json:"roomCode"`
	PlayerID  string    `json:"playerId"`
	Position  Position  `json:"position"`
	Direction Direction `json:"direction"`
}

// LevelComplete reports that the sender finished a level.
type LevelComplete struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
	Level    int    `json:"level"`
}

// Ping is the application-level heartbeat.
type Ping struct{}

// --- Relay -> Client ---

// RoomJoined is the reply to the joining connection only.
type RoomJoined struct {
	PlayerID string        `json:"playerId"`
	Players  []PlayerState `json:"players"`
}

// PlayerJoined announces a new member to the rest of the room.
type PlayerJoined struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Position   Position  `json:"position"`
	Direction  Direction `json:"direction"`
}

// PlayerMoved relays a member's move to the rest of the room.
type PlayerMoved struct {
	PlayerID  string    `json:"playerId"`
	Position  Position  `json:"position"`
	Direction Direction `json:"direction"`
}

// PlayerLeft announces a departure.
type PlayerLeft struct {
	PlayerID string `json:"playerId"`
}

// LevelAdvance is broadcast to the whole room, sender included.
type LevelAdvance struct {
	PlayerID string `json:"playerId"`
	Level    int    `json:"level"`
}

// Pong answers a Ping.
type Pong struct{}

// ReconnectFailed is published locally by the client once retries are exhausted.
type ReconnectFailed struct{}

func (JoinRoom) Type() MessageType        { return MsgJoinRoom }
func (Move) Type() MessageType            { return MsgMove }
func (LevelComplete) Type() MessageType   { return MsgLevelComplete }
func (Ping) Type() MessageType            { return MsgPing }
func (RoomJoined) Type() MessageType      { return MsgRoomJoined }
func (PlayerJoined) Type() MessageType    { return MsgPlayerJoined }
func (PlayerMoved) Type() MessageType     { return MsgPlayerMoved }
func (PlayerLeft) Type() MessageType      { return MsgPlayerLeft }
func (LevelAdvance) Type() MessageType    { return MsgLevelAdvance }
func (Pong) Type() MessageType            { return MsgPong }
func (ReconnectFailed) Type() MessageType { return MsgReconnectFailed }

// Encode serialises msg as a flat JSON object carrying its "type" tag
// alongside the variant's own fields.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	tag, _ := json.Marshal(msg.Type())
	fields["type"] = tag

	return json.Marshal(fields)
}

// Decode parses one text frame into its variant. Anything that is not a
// JSON object with a known type tag and the fields that variant requires
// is rejected with ErrMalformed or ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type *MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch *head.Type {
	case MsgJoinRoom:
		var m JoinRoom
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		if m.RoomCode == "" || m.PlayerID == "" {
			return nil, fmt.Errorf("%w: join-room needs roomCode and playerId", ErrMalformed)
		}
		return m, nil

	case MsgMove:
		var m struct {
			Move
			Position *Position `json:"position"`
		}
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		if m.RoomCode == "" || m.PlayerID == "" || m.Position == nil {
			return nil, fmt.Errorf("%w: move needs roomCode, playerId and position", ErrMalformed)
		}
		if !m.Direction.Valid() {
			return nil, fmt.Errorf("%w: direction %q", ErrMalformed, m.Direction)
		}
		m.Move.Position = *m.Position
		return m.Move, nil

	case MsgLevelComplete:
		var m struct {
			LevelComplete
			Level *int `json:"level"`
		}
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		if m.RoomCode == "" || m.PlayerID == "" || m.Level == nil {
			return nil, fmt.Errorf("%w: level-complete needs roomCode, playerId and level", ErrMalformed)
		}
		m.LevelComplete.Level = *m.Level
		return m.LevelComplete, nil

	case MsgPing:
		return Ping{}, nil
	case MsgPong:
		return Pong{}, nil

	case MsgRoomJoined:
		var m RoomJoined
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgPlayerJoined:
		var m PlayerJoined
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgPlayerMoved:
		var m PlayerMoved
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgPlayerLeft:
		var m PlayerLeft
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgLevelAdvance:
		var m LevelAdvance
		if err := decodeFields(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
}

func decodeFields(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
