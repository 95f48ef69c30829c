package config

import (
	"context"
	"fmt"
	"time"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/sethvargo/go-envconfig"
)

type NormalizeConfig struct {
	Policy        string        `env:"NORMALIZE_POLICY, default=peak"`
	TargetPeakDB  float64       `env:"NORMALIZE_TARGET_PEAK_DBFS, default=-1"`
	MaxGainDB     float64       `env:"NORMALIZE_MAX_GAIN_DB, default=20"`
	Timeout       time.Duration `env:"NORMALIZE_TIMEOUT, default=5m"`
	QueueDepth    int           `env:"NORMALIZE_QUEUE_DEPTH, default=8"`
	SampleRate    int           `env:"NORMALIZE_SAMPLE_RATE, default=48000"`
	Bitrate       int           `env:"NORMALIZE_BITRATE, default=0"`
	InputFormat   string        `env:"NORMALIZE_INPUT_FORMAT, default=ogg"`
	FrameSize     int           `env:"NORMALIZE_FRAME_SIZE, default=133"`
	RawChannels   int           `env:"NORMALIZE_RAW_CHANNELS, default=1"`
	RawSampleRate uint32        `env:"NORMALIZE_RAW_SAMPLE_RATE, default=16000"`
}

func NewNormalizeConfigFromEnv() (*NormalizeConfig, error) {
	var cfg NormalizeConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.PipelineOptions(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PipelineOptions converts the configuration into pipeline options. Hooks
// and loggers are left unset.
func (c *NormalizeConfig) PipelineOptions() (pipeline.Options, error) {
	policy, err := normalize.ParsePolicy(c.Policy)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("invalid NORMALIZE_POLICY: %w", err)
	}
	format, err := container.ParseFormat(c.InputFormat)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("invalid NORMALIZE_INPUT_FORMAT: %w", err)
	}
	if c.MaxGainDB < 0 {
		return pipeline.Options{}, fmt.Errorf("NORMALIZE_MAX_GAIN_DB must not be negative, got %v", c.MaxGainDB)
	}
	if c.TargetPeakDB > 0 {
		return pipeline.Options{}, fmt.Errorf("NORMALIZE_TARGET_PEAK_DBFS must not be above 0, got %v", c.TargetPeakDB)
	}

	return pipeline.Options{
		Policy: policy,
		Target: normalize.Target{
			PeakDBFS:  c.TargetPeakDB,
			MaxGainDB: c.MaxGainDB,
		},
		Timeout:    c.Timeout,
		QueueDepth: c.QueueDepth,
		SampleRate: c.SampleRate,
		Bitrate:    c.Bitrate,
		Format:     format,
		Params: container.Params{
			Channels:        c.RawChannels,
			InputSampleRate: c.RawSampleRate,
			FrameSize:       c.FrameSize,
		},
	}, nil
}
