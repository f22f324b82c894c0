package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/hersh/ragerelay/internal/game"
	"github.com/hersh/ragerelay/internal/netclient"
	"github.com/hersh/ragerelay/internal/protocol"
)

const (
	stageCols = 48
	stageRows = 12
)

var (
	peerColors = []string{
		"196",
		"46",
		"226",
		"201",
		"208",
		"129",
		"39",
	}

	selfColor = "51"

	stageStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("15"))

	infoStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	eventStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("245"))

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	statusColors = map[netclient.State]string{
		netclient.Connected:    "46",
		netclient.Connecting:   "226",
		netclient.Reconnecting: "208",
		netclient.Disconnected: "196",
		netclient.Closed:       "245",
	}
)

// Cell maps a world position onto the stage grid.
func Cell(p protocol.Position) (col, row int) {
	col = int(p.X * stageCols / game.WorldWidth)
	row = int(p.Y * stageRows / game.WorldHeight)
	return min(max(col, 0), stageCols-1), min(max(row, 0), stageRows-1)
}

func glyph(dir protocol.Direction) string {
	if dir == protocol.Left {
		return "◀"
	}
	return "▶"
}

// RenderStage draws every avatar on a scaled-down view of the world. The
// local avatar is drawn last so it stays visible when others overlap it.
func RenderStage(self *game.Avatar, selfName string, peers []Peer) string {
	grid := make([][]string, stageRows)
	for y := range grid {
		grid[y] = make([]string, stageCols)
		for x := range grid[y] {
			grid[y][x] = " "
		}
	}
	_, floor := Cell(protocol.Position{Y: game.SpawnPoint.Y + game.AvatarHeight})
	for x := range grid[floor] {
		grid[floor][x] = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("─")
	}

	for i, p := range peers {
		col, row := Cell(p.Position)
		color := peerColors[i%len(peerColors)]
		grid[row][col] = lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(glyph(p.Direction))
	}
	col, row := Cell(self.Position)
	grid[row][col] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(selfColor)).Render(glyph(self.Direction))

	var sb strings.Builder
	for y, line := range grid {
		sb.WriteString(strings.Join(line, ""))
		if y < len(grid)-1 {
			sb.WriteString("\n")
		}
	}
	return stageStyle.Render(sb.String())
}

func RenderSidebar(room, name string, level int, status netclient.State, peers []Peer, events []string) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("ROOM "+room) + "\n\n")
	statusStyle := lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color(statusColors[status]))
	sb.WriteString(statusStyle.Render("● "+status.String()) + "\n")
	sb.WriteString(infoStyle.Render(fmt.Sprintf("Level: %d", level)) + "\n\n")

	sb.WriteString(titleStyle.Render("PLAYERS") + "\n")
	self := lipgloss.NewStyle().Foreground(lipgloss.Color(selfColor)).Render(name + " (you)")
	sb.WriteString(infoStyle.Render(self) + "\n")
	for i, p := range peers {
		color := peerColors[i%len(peerColors)]
		label := lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(displayName(p.Name, p.ID))
		sb.WriteString(infoStyle.Render(fmt.Sprintf("%s %s (%.0f,%.0f)", label, glyph(p.Direction), p.Position.X, p.Position.Y)) + "\n")
	}

	if len(events) > 0 {
		sb.WriteString("\n" + titleStyle.Render("EVENTS") + "\n")
		for _, e := range events {
			sb.WriteString(eventStyle.Render(e) + "\n")
		}
	}

	return lipgloss.NewStyle().Width(36).Render(sb.String())
}

func RenderFailure(err error) string {
	msg := "Connection lost."
	if err != nil {
		msg = fmt.Sprintf("Connection lost: %v", err)
	}
	return failStyle.Render(msg) + "\n\n" + infoStyle.Render("Press Q to quit")
}

func RenderControls() string {
	return infoStyle.Render("← →  move   ↑/space  jump   n  level complete   q  quit")
}
