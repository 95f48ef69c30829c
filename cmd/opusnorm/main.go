package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glizzus/opus-normalize/internal/config"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Debug("No .env file found, continuing without it")
		} else {
			slog.Error("Failed to load .env file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	app := &cli.App{
		Name:        "opusnorm",
		Usage:       "Normalize the level of Ogg Opus recordings",
		Description: "Decodes each Opus frame, applies gain towards a peak target and re-encodes it, keeping the frame count of the input.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log pipeline state changes and other debug output",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
			return nil
		},
		Commands: []*cli.Command{
			normalizeCommand,
			probeCommand,
			enqueueCommand,
			watchCommand,
			playCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Error running CLI", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}
