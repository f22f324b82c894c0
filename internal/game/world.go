package game

import "github.com/hersh/ragerelay/internal/protocol"

// World dimensions shared by the relay and every peer.
const (
	WorldWidth  = 800
	WorldHeight = 600

	AvatarWidth  = 30
	AvatarHeight = 40

	// MoveStep is how far one key press moves an avatar.
	MoveStep = 5
	// JumpHeight is how far a jump lifts an avatar above the floor it stands on.
	JumpHeight = 60
)

// SpawnPoint is where every freshly seated player appears.
var SpawnPoint = protocol.Position{X: 50, Y: 400}

// SpawnDirection is the facing of a freshly seated player.
const SpawnDirection = protocol.Right

// Avatar is the locally simulated player on a peer.
type Avatar struct {
	Position  protocol.Position
	Direction protocol.Direction
	Level     int
}

func NewAvatar() *Avatar {
	return &Avatar{
		Position:  SpawnPoint,
		Direction: SpawnDirection,
		Level:     1,
	}
}

func (a *Avatar) MoveLeft() bool {
	a.Direction = protocol.Left
	return a.shift(-MoveStep, 0)
}

func (a *Avatar) MoveRight() bool {
	a.Direction = protocol.Right
	return a.shift(MoveStep, 0)
}

// Jump lifts the avatar; Land drops it back to the spawn floor.
func (a *Avatar) Jump() bool {
	if a.Position.Y < SpawnPoint.Y {
		return false
	}
	return a.shift(0, -JumpHeight)
}

func (a *Avatar) Land() bool {
	if a.Position.Y >= SpawnPoint.Y {
		return false
	}
	a.Position.Y = SpawnPoint.Y
	return true
}

// AdvanceTo moves the avatar onto level and back to spawn. A level at or
// below the current one is ignored so a duplicate announcement is harmless.
func (a *Avatar) AdvanceTo(level int) bool {
	if level <= a.Level {
		return false
	}
	a.Level = level
	a.Position = SpawnPoint
	a.Direction = SpawnDirection
	return true
}

// shift moves the avatar and reports whether the position changed.
func (a *Avatar) shift(dx, dy float64) bool {
	before := a.Position
	a.Position = Clamp(protocol.Position{X: before.X + dx, Y: before.Y + dy})
	return a.Position != before
}

// Clamp keeps an avatar's top-left corner inside the world.
func Clamp(p protocol.Position) protocol.Position {
	p.X = min(max(p.X, 0), WorldWidth-AvatarWidth)
	p.Y = min(max(p.Y, 0), WorldHeight-AvatarHeight)
	return p
}
