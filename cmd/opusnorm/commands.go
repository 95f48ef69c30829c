package main

import (
	"fmt"
	"os"

	"github.com/glizzus/opus-normalize/internal/config"
	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/generator"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/schedule"
	"github.com/glizzus/opus-normalize/internal/sweep"
	"github.com/glizzus/opus-normalize/internal/voice"
	"github.com/glizzus/opus-normalize/internal/worker"
	"github.com/urfave/cli/v2"
)

var uuidGenerator = generator.UUIDV4Generator{}

var probeCommand = &cli.Command{
	Name:      "probe",
	Usage:     "Print a summary of an Ogg Opus file",
	ArgsUsage: "FILE",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Please provide a FILE to probe", 2)
		}
		f, err := container.Open(c.Args().First())
		if err != nil {
			return cli.Exit("Failed to open file: "+err.Error(), exitCode(err))
		}
		defer f.Close()

		s, err := container.Probe(f)
		if err != nil {
			return cli.Exit("Failed to read file: "+err.Error(), exitCode(err))
		}

		w := c.App.Writer
		fmt.Fprintf(w, "channels:    %d\n", s.Channels)
		fmt.Fprintf(w, "input rate:  %d Hz\n", s.InputSampleRate)
		fmt.Fprintf(w, "vendor:      %s\n", s.Vendor)
		fmt.Fprintf(w, "packets:     %d\n", s.Packets)
		fmt.Fprintf(w, "frames:      %d\n", s.Frames)
		fmt.Fprintf(w, "pages:       %d\n", s.Pages)
		fmt.Fprintf(w, "duration:    %v\n", s.Duration())
		fmt.Fprintf(w, "pre-skip:    %d\n", s.PreSkip)
		fmt.Fprintf(w, "end trim:    %d\n", s.EndTrim)
		fmt.Fprintf(w, "output gain: %+.2f dB\n", s.GainDB)
		return nil
	},
}

var enqueueCommand = &cli.Command{
	Name:  "enqueue",
	Usage: "Queue a normalization job for the worker",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "input-key",
			Usage:    "Object key of the input in the bucket",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "output-key",
			Usage:    "Object key the normalized output is stored under",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Normalization policy for this job, overriding the worker's",
		},
	},
	Action: func(c *cli.Context) error {
		policy := c.String("policy")
		if policy != "" {
			if _, err := normalize.ParsePolicy(policy); err != nil {
				return cli.Exit(err.Error(), 2)
			}
		}

		redisConfig, err := config.NewRedisConfigFromEnv()
		if err != nil {
			return cli.Exit("Failed to load redis config: "+err.Error(), 2)
		}
		rdb, err := redisConfig.Client(c.Context)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer rdb.Close()

		hostname, err := os.Hostname()
		if err != nil {
			return cli.Exit("Failed to get hostname: "+err.Error(), 1)
		}
		queue, err := worker.NewRedisQueue(c.Context, rdb, hostname)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		id, err := uuidGenerator.Next()
		if err != nil {
			return cli.Exit("Failed to generate job ID: "+err.Error(), 1)
		}
		job := worker.Job{
			ID:        id,
			InputKey:  c.String("input-key"),
			OutputKey: c.String("output-key"),
			Policy:    policy,
		}
		if err := queue.Enqueue(c.Context, job); err != nil {
			return cli.Exit(err.Error(), 1)
		}

		fmt.Fprintln(c.App.Writer, id)
		return nil
	},
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Normalize new .opus files in a directory on a cron schedule",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "dir",
			Usage:    "Directory to watch; outputs go to its normalized/ subdirectory",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "cron",
			Usage: "Cron expression for sweeps",
			Value: "*/5 * * * *",
		},
		&cli.BoolFlag{
			Name:  "now",
			Usage: "Sweep once immediately before following the schedule",
		},
	}, pipelineFlags...),
	Action: func(c *cli.Context) error {
		if err := schedule.ValidateCron(c.String("cron")); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		p, err := newPipeline(c)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		dir := c.String("dir")
		if c.Bool("now") {
			report, err := sweep.Sweep(c.Context, dir, p)
			if err != nil {
				return cli.Exit("Sweep failed: "+err.Error(), 1)
			}
			fmt.Fprintf(c.App.Writer, "normalized %d, skipped %d, failed %d\n",
				len(report.Normalized), report.Skipped, len(report.Failed))
		}
		return sweep.Watch(c.Context, dir, c.String("cron"), p)
	},
}

var playCommand = &cli.Command{
	Name:      "play",
	Usage:     "Stream a normalized file into a Discord voice channel",
	ArgsUsage: "FILE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "guild",
			Usage: "Guild to play in; defaults to DISCORD_GUILD_ID",
		},
		&cli.StringFlag{
			Name:  "channel",
			Usage: "Voice channel to join; defaults to the busiest one",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("Please provide a FILE to play", 2)
		}
		discordConfig, err := config.NewDiscordConfigFromEnv()
		if err != nil {
			return cli.Exit("Failed to load discord config: "+err.Error(), 2)
		}
		guildID := c.String("guild")
		if guildID == "" {
			guildID = discordConfig.GuildID
		}
		if guildID == "" {
			return cli.Exit("Please provide a guild with --guild or DISCORD_GUILD_ID", 2)
		}

		f, err := container.Open(c.Args().First())
		if err != nil {
			return cli.Exit("Failed to open file: "+err.Error(), exitCode(err))
		}
		defer f.Close()

		session, err := voice.OpenSession(discordConfig.Token)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer session.Close()

		channelID := c.String("channel")
		if channelID == "" {
			guild, err := session.State.Guild(guildID)
			if err != nil {
				return cli.Exit("Failed to look up guild: "+err.Error(), 1)
			}
			if channelID = voice.MaxAttendedChannel(guild); channelID == "" {
				return cli.Exit("Nobody is in a voice channel; pass --channel", 2)
			}
		}

		sent, err := voice.Play(c.Context, session, guildID, channelID, f)
		if err != nil && c.Context.Err() == nil {
			return cli.Exit("Failed to play: "+err.Error(), 1)
		}
		fmt.Fprintf(c.App.Writer, "sent %d packets\n", sent)
		return nil
	},
}
