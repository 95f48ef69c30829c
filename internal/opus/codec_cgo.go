//go:build cgo

package opus

import (
	"fmt"

	hraban "gopkg.in/hraban/opus.v2"
)

// LibOpus is the libopus backed Codec.
type LibOpus struct {
	// Bitrate in bits per second. Zero keeps the encoder default. SILK
	// inputs are capped at SILKBitrate so their frames are not split.
	Bitrate int
}

var _ Codec = LibOpus{}

func (LibOpus) NewDecoder(sampleRate, channels int) (Decoder, error) {
	dec, err := hraban.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return dec, nil
}

func (c LibOpus) NewEncoder(sampleRate, channels int) (Encoder, error) {
	e := &libopusEncoder{rate: sampleRate, channels: channels, bitrate: c.Bitrate}
	if err := e.reset(hraban.AppAudio); err != nil {
		return nil, err
	}
	if c.Bitrate > 0 {
		if err := e.enc.SetBitrate(c.Bitrate); err != nil {
			return nil, fmt.Errorf("failed to set opus bitrate %d: %w", c.Bitrate, err)
		}
	}
	return e, nil
}

type libopusEncoder struct {
	rate     int
	channels int
	bitrate  int

	enc     *hraban.Encoder
	app     hraban.Application
	started bool
}

var _ Shaper = (*libopusEncoder)(nil)

func (e *libopusEncoder) reset(app hraban.Application) error {
	enc, err := hraban.NewEncoder(e.rate, e.channels, app)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}
	e.enc, e.app = enc, app
	return nil
}

func (e *libopusEncoder) Encode(pcm []int16, out []byte) (int, error) {
	e.started = true
	return e.enc.Encode(pcm, out)
}

// Shape keeps SILK inputs in SILK-only mode by capping bandwidth and
// bitrate. Other inputs never carry frames over 20 ms and get the full
// bandwidth back.
func (e *libopusEncoder) Shape(toc TOC) error {
	if toc.Mode() != ModeSILK {
		if err := e.enc.SetMaxBandwidth(hraban.Fullband); err != nil {
			return fmt.Errorf("failed to set opus max bandwidth: %w", err)
		}
		if e.bitrate > 0 {
			return e.setBitrate(e.bitrate)
		}
		if err := e.enc.SetBitrateToAuto(); err != nil {
			return fmt.Errorf("failed to reset opus bitrate: %w", err)
		}
		return nil
	}

	// The application is fixed at creation; switch to VoIP while nothing
	// has been encoded yet.
	if !e.started && e.app != hraban.AppVoIP {
		if err := e.reset(hraban.AppVoIP); err != nil {
			return err
		}
	}
	if err := e.enc.SetMaxBandwidth(libopusBandwidth(toc.Bandwidth())); err != nil {
		return fmt.Errorf("failed to set opus max bandwidth: %w", err)
	}
	bitrate := SILKBitrate(toc.Bandwidth())
	if e.bitrate > 0 {
		bitrate = min(bitrate, e.bitrate)
	}
	return e.setBitrate(bitrate)
}

func (e *libopusEncoder) setBitrate(bps int) error {
	if err := e.enc.SetBitrate(bps); err != nil {
		return fmt.Errorf("failed to set opus bitrate %d: %w", bps, err)
	}
	return nil
}

func libopusBandwidth(bw Bandwidth) hraban.Bandwidth {
	switch bw {
	case Narrowband:
		return hraban.Narrowband
	case Mediumband:
		return hraban.Mediumband
	case Wideband:
		return hraban.Wideband
	case SuperWideband:
		return hraban.SuperWideband
	}
	return hraban.Fullband
}
