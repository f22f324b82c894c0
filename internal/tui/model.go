package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/hersh/ragerelay/internal/game"
	"github.com/hersh/ragerelay/internal/netclient"
	"github.com/hersh/ragerelay/internal/protocol"
)

// Relay is the slice of netclient.Client the model drives.
type Relay interface {
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, code, playerID, name string) (protocol.RoomJoined, error)
	Move(pos protocol.Position, dir protocol.Direction) error
	LevelComplete(level int) error
	State() netclient.State
	Close() error
}

// --- Custom tea.Msg types ---

type TickMsg time.Time

// LandMsg ends a jump.
type LandMsg struct{}

// ServerMsg wraps one message received from the relay.
type ServerMsg struct {
	Msg protocol.Message
}

// JoinFailedMsg reports that the initial connect or join did not succeed.
type JoinFailedMsg struct {
	Err error
}

// --- Screens ---

type Screen int

const (
	ScreenConnecting Screen = iota
	ScreenRoom
	ScreenFailed
)

const (
	tickInterval = 250 * time.Millisecond
	jumpDuration = 400 * time.Millisecond
	maxEvents    = 6
)

// Peer is another member of the room as last reported by the relay.
type Peer struct {
	ID        string
	Name      string
	Position  protocol.Position
	Direction protocol.Direction
}

// --- Model ---

type Model struct {
	screen     Screen
	roomCode   string
	playerID   string
	playerName string
	avatar     *game.Avatar
	width      int
	height     int

	client Relay
	status netclient.State

	peers  map[string]*Peer
	order  []string
	events []string

	err error
}

// NewModel creates the room view for one player.
func NewModel(client Relay, roomCode, playerID, playerName string) Model {
	return Model{
		screen:     ScreenConnecting,
		roomCode:   roomCode,
		playerID:   playerID,
		playerName: playerName,
		avatar:     game.NewAvatar(),
		client:     client,
		status:     netclient.Disconnected,
		peers:      make(map[string]*Peer),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		joinCmd(m.client, m.roomCode, m.playerID, m.playerName),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func landCmd() tea.Cmd {
	return tea.Tick(jumpDuration, func(time.Time) tea.Msg {
		return LandMsg{}
	})
}

// joinCmd connects and joins. On success it yields nothing: the
// room-joined reply reaches the model through Forward.
func joinCmd(client Relay, code, playerID, name string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		if err := client.Connect(ctx); err != nil {
			return JoinFailedMsg{Err: err}
		}
		if _, err := client.JoinRoom(ctx, code, playerID, name); err != nil {
			return JoinFailedMsg{Err: err}
		}
		return nil
	}
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case TickMsg:
		m.status = m.client.State()
		return m, tickCmd()
	case LandMsg:
		if m.avatar.Land() {
			m.sendMove()
		}
		return m, nil
	case JoinFailedMsg:
		m.screen = ScreenFailed
		m.err = msg.Err
		return m, nil
	case ServerMsg:
		return m.handleServerMsg(msg.Msg)
	}
	return m, nil
}

func (m Model) handleServerMsg(msg protocol.Message) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case protocol.RoomJoined:
		if msg.PlayerID != m.playerID {
			return m, nil
		}
		rejoined := m.screen == ScreenRoom
		m.screen = ScreenRoom
		m.err = nil
		m.peers = make(map[string]*Peer, len(msg.Players))
		m.order = nil
		for _, p := range msg.Players {
			if p.ID == m.playerID {
				continue
			}
			m.addPeer(p.ID, p.Name, p.Position, p.Direction)
		}
		if rejoined {
			m.logEvent("rejoined %s", m.roomCode)
			// The relay seats a re-join at spawn; put it back where we are.
			if m.avatar.Position != game.SpawnPoint || m.avatar.Direction != game.SpawnDirection {
				m.sendMove()
			}
		} else {
			m.logEvent("joined %s with %d others", m.roomCode, len(m.order))
		}

	case protocol.PlayerJoined:
		if msg.PlayerID == m.playerID {
			return m, nil
		}
		m.addPeer(msg.PlayerID, msg.PlayerName, msg.Position, msg.Direction)
		m.logEvent("%s joined", displayName(msg.PlayerName, msg.PlayerID))

	case protocol.PlayerMoved:
		// Moves for a player that already left are ignored.
		if p, ok := m.peers[msg.PlayerID]; ok {
			p.Position = msg.Position
			p.Direction = msg.Direction
		}

	case protocol.PlayerLeft:
		if p, ok := m.peers[msg.PlayerID]; ok {
			m.removePeer(msg.PlayerID)
			m.logEvent("%s left", displayName(p.Name, p.ID))
		}

	case protocol.LevelAdvance:
		if m.avatar.AdvanceTo(msg.Level + 1) {
			m.logEvent("team advanced to level %d", m.avatar.Level)
		}

	case protocol.ReconnectFailed:
		m.status = netclient.Disconnected
		m.screen = ScreenFailed
		m.err = netclient.ErrReconnectExhausted
	}
	return m, nil
}

// --- Key handlers ---

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.client.Close()
		return m, tea.Quit
	}

	if m.screen != ScreenRoom {
		return m, nil
	}

	switch msg.String() {
	case "left", "h":
		m.step(m.avatar.MoveLeft)
	case "right", "l":
		m.step(m.avatar.MoveRight)
	case "up", "k", " ":
		if m.avatar.Jump() {
			m.sendMove()
			return m, landCmd()
		}
	case "n":
		if err := m.client.LevelComplete(m.avatar.Level); err != nil {
			m.logEvent("level-complete not sent: %v", err)
		}
	}
	return m, nil
}

// step applies one movement and reports it if position or facing changed.
func (m *Model) step(move func() bool) {
	before := *m.avatar
	move()
	if *m.avatar != before {
		m.sendMove()
	}
}

func (m *Model) sendMove() {
	if err := m.client.Move(m.avatar.Position, m.avatar.Direction); err != nil {
		m.err = err
	}
}

func (m *Model) addPeer(id, name string, pos protocol.Position, dir protocol.Direction) {
	if _, ok := m.peers[id]; !ok {
		m.order = append(m.order, id)
	}
	m.peers[id] = &Peer{ID: id, Name: name, Position: pos, Direction: dir}
}

func (m *Model) removePeer(id string) {
	delete(m.peers, id)
	for i, pid := range m.order {
		if pid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Model) logEvent(format string, args ...any) {
	m.events = append(m.events, fmt.Sprintf(format, args...))
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

// Peers returns the other members in the order they were first seen.
func (m Model) Peers() []Peer {
	out := make([]Peer, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.peers[id])
	}
	return out
}

func (m Model) Avatar() game.Avatar {
	return *m.avatar
}

// --- View ---

func (m Model) View() string {
	switch m.screen {
	case ScreenConnecting:
		return m.renderCentered(fmt.Sprintf("Connecting to room %s...", m.roomCode))
	case ScreenFailed:
		return m.renderCentered(RenderFailure(m.err))
	}

	stage := RenderStage(m.avatar, m.playerName, m.Peers())
	side := RenderSidebar(m.roomCode, m.playerName, m.avatar.Level, m.status, m.Peers(), m.events)

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		lipgloss.NewStyle().Padding(0, 2).Render(stage),
		side,
	)
	return m.renderCentered(content + "\n" + RenderControls())
}

func (m Model) renderCentered(content string) string {
	return lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Render(content)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
