package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/hersh/ragerelay/internal/netclient"
	"github.com/hersh/ragerelay/internal/tui"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	_ = godotenv.Load()
	defaults := netclient.DefaultConfig()

	cmd := &cli.Command{
		Name:  "relay-client",
		Usage: "join a relay room from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   defaults.URL,
				Usage:   "relay websocket URL",
				Sources: cli.EnvVars("RELAY_URL"),
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room code to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "player-id",
				Usage: "player id (defaults to a random UUID)",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name (defaults to the OS username)",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Value: defaults.MaxAttempts,
				Usage: "reconnect attempts before giving up",
			},
			&cli.DurationFlag{
				Name:  "initial-delay",
				Value: defaults.InitialDelay,
				Usage: "first reconnect delay",
			},
			&cli.DurationFlag{
				Name:  "max-delay",
				Value: defaults.MaxDelay,
				Usage: "cap on the reconnect delay",
			},
			&cli.BoolFlag{
				Name:  "jitter",
				Value: defaults.Jitter,
				Usage: "add up to a second of random delay to each retry",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "write logs here instead of discarding them",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, closeLog, err := setupLogger(cmd.String("log-file"))
	if err != nil {
		return err
	}
	defer closeLog()

	playerID := cmd.String("player-id")
	if playerID == "" {
		playerID = uuid.NewString()
	}
	name := cmd.String("name")
	if name == "" {
		if u, err := user.Current(); err == nil && u.Username != "" {
			name = u.Username
		} else {
			name = "Player"
		}
	}

	cfg := netclient.DefaultConfig()
	cfg.URL = cmd.String("url")
	cfg.MaxAttempts = cmd.Int("max-attempts")
	cfg.InitialDelay = cmd.Duration("initial-delay")
	cfg.MaxDelay = cmd.Duration("max-delay")
	cfg.Jitter = cmd.Bool("jitter")

	client := netclient.New(cfg, logger)
	defer client.Close()

	model := tui.NewModel(client, cmd.String("room"), playerID, name)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	// Subscribe before the program starts so the first room-joined is not missed.
	tui.Forward(client, p.Send)

	logger.Info("client starting", "url", cfg.URL, "room_code", cmd.String("room"), "player_id", playerID)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}

// setupLogger writes to path when set; the alt-screen leaves no room for
// log lines on the terminal.
func setupLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { f.Close() }, nil
}
