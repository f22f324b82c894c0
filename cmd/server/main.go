package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hersh/ragerelay/internal/player"
	"github.com/hersh/ragerelay/internal/server"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "relay-server",
		Usage: "realtime room relay for up to eight players per room",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "listening port",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:  "ws-path",
				Value: server.DefaultPath,
				Usage: "the only path on which websocket upgrades are accepted",
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Value:   server.DefaultSweepInterval,
				Usage:   "how often sessions with dead connections are reaped",
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Usage:   "text or json",
				Sources: cli.EnvVars("LOG_FORMAT"),
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
	logger := setupLogger(cmd.String("log-level"), cmd.String("log-format"))
	port := cmd.Int("port")
	wsPath := cmd.String("ws-path")

	relay := server.NewRelay(player.NewRegistry(), logger)
	sweeper := server.NewSweeper(relay, cmd.Duration("sweep-interval"), logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server.NewServer(relay, wsPath, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting",
			"port", port,
			"ws_path", wsPath,
			"sweep_interval", cmd.Duration("sweep-interval"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	sweeper.Start()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	sweeper.Stop()
	relay.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	logger.Info("relay stopped")
	return serveErr
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
