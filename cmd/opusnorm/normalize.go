package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/glizzus/opus-normalize/internal/config"
	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/opus"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/urfave/cli/v2"
)

// pipelineFlags override the NORMALIZE_* environment when set.
var pipelineFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "policy",
		Usage: "Normalization policy: peak, streaming or header-gain",
	},
	&cli.Float64Flag{
		Name:  "target-peak",
		Usage: "Peak level to normalize to, in dBFS",
	},
	&cli.Float64Flag{
		Name:  "max-gain",
		Usage: "Largest gain that may be applied, in dB",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "Abort the run after this long",
	},
	&cli.IntFlag{
		Name:  "bitrate",
		Usage: "Encoder bitrate in bits per second, 0 for the encoder default",
	},
	&cli.StringFlag{
		Name:  "input-format",
		Usage: "Input format: ogg, length-prefixed or fixed",
	},
	&cli.IntFlag{
		Name:  "frame-size",
		Usage: "Packet size in bytes of fixed-size inputs",
	},
	&cli.IntFlag{
		Name:  "channels",
		Usage: "Channel count of raw inputs",
	},
	&cli.UintFlag{
		Name:  "input-rate",
		Usage: "Original sample rate recorded in the header of raw inputs",
	},
}

func normalizeConfig(c *cli.Context) (*config.NormalizeConfig, error) {
	cfg, err := config.NewNormalizeConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load normalize config: %w", err)
	}
	if c.IsSet("policy") {
		cfg.Policy = c.String("policy")
	}
	if c.IsSet("target-peak") {
		cfg.TargetPeakDB = c.Float64("target-peak")
	}
	if c.IsSet("max-gain") {
		cfg.MaxGainDB = c.Float64("max-gain")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("bitrate") {
		cfg.Bitrate = c.Int("bitrate")
	}
	if c.IsSet("input-format") {
		cfg.InputFormat = c.String("input-format")
	}
	if c.IsSet("frame-size") {
		cfg.FrameSize = c.Int("frame-size")
	}
	if c.IsSet("channels") {
		cfg.RawChannels = c.Int("channels")
	}
	if c.IsSet("input-rate") {
		cfg.RawSampleRate = uint32(c.Uint("input-rate"))
	}
	return cfg, nil
}

func newPipeline(c *cli.Context) (*pipeline.Pipeline, error) {
	cfg, err := normalizeConfig(c)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.PipelineOptions()
	if err != nil {
		return nil, err
	}
	return pipeline.New(opus.LibOpus{Bitrate: opts.Bitrate}, pipeline.WithOptions(opts)), nil
}

var normalizeCommand = &cli.Command{
	Name:      "normalize",
	Usage:     "Normalize INPUT into OUTPUT",
	ArgsUsage: "INPUT OUTPUT",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:  "transcode",
			Usage: "Transcode INPUT to Opus with ffmpeg first; INPUT may be any audio file",
		},
	}, pipelineFlags...),
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("Please provide an INPUT and an OUTPUT path", 2)
		}
		input, output := c.Args().Get(0), c.Args().Get(1)

		p, err := newPipeline(c)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		if c.Bool("transcode") {
			transcoded, err := transcode(c, input)
			if err != nil {
				return cli.Exit("Failed to transcode input: "+err.Error(), 1)
			}
			defer os.Remove(transcoded)
			input = transcoded
			p = p.With(pipeline.WithInputFormat(container.FormatLengthPrefixed, container.Params{
				Channels:        opus.DefaultTranscodeOptions.Channels,
				InputSampleRate: uint32(opus.DefaultTranscodeOptions.SampleRate),
			}))
		}

		res, err := p.Normalize(c.Context, input, output)
		if err != nil {
			return cli.Exit("Failed to normalize: "+err.Error(), exitCode(err))
		}

		fmt.Fprintf(c.App.Writer, "%d frames in %d packets, %d pages, gain %+.2f dB (%s) in %v\n",
			res.Frames, res.Packets, res.Pages, normalize.LinearToDB(res.Gain), res.Policy, res.Elapsed)
		return nil
	},
}

// exitCode separates bad input from failures of the run itself.
func exitCode(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrMalformedContainer), errors.Is(err, pipeline.ErrUnsupportedStream):
		return 3
	case errors.Is(err, pipeline.ErrTimeout), errors.Is(err, pipeline.ErrCancelled):
		return 4
	}
	return 1
}

// transcode writes the length-prefixed ffmpeg output for input to a
// temporary file and returns its path.
func transcode(c *cli.Context, input string) (path string, err error) {
	in, err := os.Open(input)
	if err != nil {
		return "", err
	}
	defer in.Close()

	frames, err := opus.Transcode(c.Context, in, opus.DefaultTranscodeOptions)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := frames.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	tmp, err := os.CreateTemp("", filepath.Base(input)+".*.frames")
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := tmp.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, frames); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}
