package pipeline

import (
	"log/slog"
	"time"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
)

const DefaultQueueDepth = 8

type Options struct {
	Policy normalize.Policy
	Target normalize.Target
	// Timeout bounds the whole run. Zero means no limit beyond the context.
	Timeout    time.Duration
	QueueDepth int
	// SampleRate is the rate PCM is decoded and encoded at.
	SampleRate int
	// Bitrate is passed to the libopus encoder by Normalize. Zero keeps the
	// encoder default.
	Bitrate int

	Format container.Format
	Params container.Params

	MaxPageDuration time.Duration

	// OnTransition is called synchronously on every state change.
	OnTransition func(from, to State)
	Logger       *slog.Logger
}

func defaultOptions() Options {
	return Options{
		Policy:     normalize.PolicyPeak,
		Target:     normalize.DefaultTarget,
		QueueDepth: DefaultQueueDepth,
		SampleRate: 48000,
		Format:     container.FormatOgg,
		Params:     container.DefaultParams,
		Logger:     slog.Default(),
	}
}

type Option func(*Options)

func WithPolicy(p normalize.Policy) Option {
	return func(o *Options) { o.Policy = p }
}

func WithTarget(t normalize.Target) Option {
	return func(o *Options) { o.Target = t }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

func WithSampleRate(rate int) Option {
	return func(o *Options) { o.SampleRate = rate }
}

func WithBitrate(bps int) Option {
	return func(o *Options) { o.Bitrate = bps }
}

// WithInputFormat reads headerless inputs described by params.
func WithInputFormat(f container.Format, params container.Params) Option {
	return func(o *Options) {
		o.Format = f
		o.Params = params
	}
}

func WithMaxPageDuration(d time.Duration) Option {
	return func(o *Options) { o.MaxPageDuration = d }
}

func WithStateHook(hook func(from, to State)) Option {
	return func(o *Options) { o.OnTransition = hook }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithOptions replaces every option at once, typically with values loaded
// from the environment.
func WithOptions(opts Options) Option {
	return func(o *Options) {
		hook, logger := o.OnTransition, o.Logger
		*o = opts
		if o.OnTransition == nil {
			o.OnTransition = hook
		}
		if o.Logger == nil {
			o.Logger = logger
		}
	}
}
