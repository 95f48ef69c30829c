// Package opustest provides a deterministic stand-in for libopus and
// helpers that build Ogg Opus streams for tests.
//
// The fake codec does not compress audio. Every frame payload starts with an
// amplitude byte a; decoding yields a square wave alternating between
// +a*Scale and -a*Scale, and encoding writes back the rounded peak of the
// PCM it is given. Gains applied between decode and encode are therefore
// observable in the output packets.
//
// Like libopus, the encoder only keeps frames longer than 20 ms whole once
// it has been shaped for a SILK input; otherwise it returns them as code 3
// packets of 20 ms CELT frames.
package opustest

import (
	"fmt"
	"math"

	"github.com/glizzus/opus-normalize/internal/opus"
)

// Scale converts an amplitude byte into a PCM sample value.
const Scale = 128

// Codec is a fake opus.Codec.
type Codec struct {
	// FailEncodeAt makes the encoder fail on the given call (1-based).
	FailEncodeAt int
	// Invalid makes the encoder return packets that do not parse.
	Invalid bool
	// IgnoreShape makes the encoder disregard Shape, so frames over 20 ms
	// are split into 20 ms CELT frames.
	IgnoreShape bool
}

var _ opus.Codec = (*Codec)(nil)

func (c *Codec) NewDecoder(sampleRate, channels int) (opus.Decoder, error) {
	if err := checkFormat(sampleRate, channels); err != nil {
		return nil, err
	}
	return &decoder{rate: sampleRate, channels: channels}, nil
}

func (c *Codec) NewEncoder(sampleRate, channels int) (opus.Encoder, error) {
	if err := checkFormat(sampleRate, channels); err != nil {
		return nil, err
	}
	return &encoder{codec: c, rate: sampleRate, channels: channels}, nil
}

func checkFormat(sampleRate, channels int) error {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opustest: unsupported sample rate %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return fmt.Errorf("opustest: unsupported channel count %d", channels)
	}
	return nil
}

type decoder struct {
	rate     int
	channels int
}

func (d *decoder) Decode(packet []byte, pcm []int16) (int, error) {
	p, err := opus.ParsePacket(packet)
	if err != nil {
		return 0, err
	}
	perFrame := p.TOC.FrameSamplesAt(d.rate)
	total := perFrame * p.FrameCount()
	if len(pcm) < total*d.channels {
		return 0, fmt.Errorf("opustest: pcm buffer of %d samples too small for %d", len(pcm), total*d.channels)
	}

	for i, frame := range p.Frames {
		amp := 0
		if len(frame) > 0 {
			amp = int(frame[0]) * Scale
		}
		base := i * perFrame * d.channels
		for s := range perFrame {
			v := int16(min(amp, math.MaxInt16))
			if s%2 == 1 {
				v = -v
			}
			for ch := range d.channels {
				pcm[base+s*d.channels+ch] = v
			}
		}
	}
	return total, nil
}

type encoder struct {
	codec    *Codec
	rate     int
	channels int
	calls    int
	// silk is the bandwidth of the SILK input the encoder was shaped to,
	// zero when it is not shaped for SILK.
	silk opus.Bandwidth
}

var _ opus.Shaper = (*encoder)(nil)

func (e *encoder) Shape(toc opus.TOC) error {
	if e.codec.IgnoreShape {
		return nil
	}
	e.silk = 0
	if toc.Mode() == opus.ModeSILK {
		e.silk = toc.Bandwidth()
	}
	return nil
}

func (e *encoder) Encode(pcm []int16, out []byte) (int, error) {
	e.calls++
	if e.codec.FailEncodeAt == e.calls {
		return 0, fmt.Errorf("opustest: injected encoder failure on call %d", e.calls)
	}
	if e.codec.Invalid {
		return 0, nil
	}

	samples := len(pcm) / e.channels * 48000 / e.rate
	config, frames := e.layout(samples)
	if config < 0 {
		return 0, fmt.Errorf("opustest: no configuration for %d samples", samples)
	}

	code := opus.CodeOneFrame
	header := 1
	if frames > 1 {
		code = opus.CodeArbitraryFrames
		header = 2
	}
	if len(out) < header+2*frames {
		return 0, fmt.Errorf("opustest: output buffer too small")
	}
	out[0] = byte(opus.MakeTOC(config, e.channels == 2, code))
	if frames > 1 {
		out[1] = byte(frames)
	}
	chunk := len(pcm) / frames
	for i := range frames {
		out[header+2*i] = byte(amplitude(pcm[i*chunk : (i+1)*chunk]))
		out[header+2*i+1] = 0xA5
	}
	return header + 2*frames, nil
}

// layout picks the configuration and frame count for a frame of the given
// duration at 48 kHz the way libopus does: frames over 20 ms stay whole
// only when the encoder is shaped for SILK, otherwise they are split into
// 20 ms CELT frames.
func (e *encoder) layout(samples int) (config, frames int) {
	if e.silk != 0 {
		if c := opus.ConfigFor(opus.ModeSILK, e.silk, samples); c >= 0 {
			return c, 1
		}
	}
	switch {
	case samples == 120, samples == 240, samples == 480, samples == 960:
		return opus.ConfigFor(opus.ModeCELT, opus.Fullband, samples), 1
	case samples > 960 && samples%960 == 0 && samples <= opus.MaxPacketSamples:
		return opus.ConfigFor(opus.ModeCELT, opus.Fullband, 960), samples / 960
	}
	return -1, 0
}

func amplitude(pcm []int16) int {
	peak := 0
	for _, s := range pcm {
		peak = max(peak, abs(int(s)))
	}
	return min(255, int(math.Round(float64(peak)/Scale)))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
