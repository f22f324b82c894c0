package game

import (
	"testing"

	"github.com/hersh/ragerelay/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestAvatar_Movement(t *testing.T) {
	a := NewAvatar()
	assert.Equal(t, SpawnPoint, a.Position)
	assert.Equal(t, protocol.Right, a.Direction)

	assert.True(t, a.MoveLeft())
	assert.Equal(t, protocol.Left, a.Direction)
	assert.Equal(t, SpawnPoint.X-MoveStep, a.Position.X)

	assert.True(t, a.MoveRight())
	assert.Equal(t, protocol.Right, a.Direction)
	assert.Equal(t, SpawnPoint.X, a.Position.X)
}

func TestAvatar_StopsAtWorldEdge(t *testing.T) {
	a := NewAvatar()
	for a.MoveLeft() {
	}
	assert.Equal(t, 0.0, a.Position.X)
	assert.False(t, a.MoveLeft())

	for a.MoveRight() {
	}
	assert.Equal(t, float64(WorldWidth-AvatarWidth), a.Position.X)
}

func TestAvatar_JumpAndLand(t *testing.T) {
	a := NewAvatar()
	assert.True(t, a.Jump())
	assert.Equal(t, SpawnPoint.Y-JumpHeight, a.Position.Y)
	assert.False(t, a.Jump(), "no double jump")

	assert.True(t, a.Land())
	assert.Equal(t, SpawnPoint.Y, a.Position.Y)
	assert.False(t, a.Land())
}

func TestAvatar_AdvanceTo(t *testing.T) {
	a := NewAvatar()
	a.MoveLeft()
	a.Jump()

	assert.True(t, a.AdvanceTo(2))
	assert.Equal(t, 2, a.Level)
	assert.Equal(t, SpawnPoint, a.Position)
	assert.Equal(t, SpawnDirection, a.Direction)

	a.MoveRight()
	assert.False(t, a.AdvanceTo(2), "repeated announcement")
	assert.False(t, a.AdvanceTo(1))
	assert.NotEqual(t, SpawnPoint, a.Position)
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want protocol.Position
	}{
		{protocol.Position{X: -10, Y: -10}, protocol.Position{X: 0, Y: 0}},
		{protocol.Position{X: 5000, Y: 5000}, protocol.Position{X: WorldWidth - AvatarWidth, Y: WorldHeight - AvatarHeight}},
		{SpawnPoint, SpawnPoint},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp(tt.in))
	}
}
