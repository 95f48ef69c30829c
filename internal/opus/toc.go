package opus

import (
	"fmt"
	"time"
)

// TOC is the table-of-contents byte that starts every Opus packet:
//
//	 0 1 2 3 4 5 6 7
//	+-+-+-+-+-+-+-+-+
//	| config  |s| c |
//	+-+-+-+-+-+-+-+-+
//
// https://datatracker.ietf.org/doc/html/rfc6716#section-3.1
type TOC byte

type Mode int

const (
	ModeSILK Mode = iota + 1
	ModeHybrid
	ModeCELT
)

func (m Mode) String() string {
	switch m {
	case ModeSILK:
		return "SILK"
	case ModeHybrid:
		return "Hybrid"
	case ModeCELT:
		return "CELT"
	}
	return "invalid"
}

type Bandwidth int

const (
	Narrowband Bandwidth = iota + 1
	Mediumband
	Wideband
	SuperWideband
	Fullband
)

func (b Bandwidth) String() string {
	switch b {
	case Narrowband:
		return "NB"
	case Mediumband:
		return "MB"
	case Wideband:
		return "WB"
	case SuperWideband:
		return "SWB"
	case Fullband:
		return "FB"
	}
	return "invalid"
}

// Frame count codes.
const (
	CodeOneFrame = iota
	CodeTwoEqualFrames
	CodeTwoFrames
	CodeArbitraryFrames
)

// frameSamples is the frame size of each configuration at 48 kHz.
var frameSamples = [32]int{
	480, 960, 1920, 2880, // SILK NB
	480, 960, 1920, 2880, // SILK MB
	480, 960, 1920, 2880, // SILK WB
	480, 960, // Hybrid SWB
	480, 960, // Hybrid FB
	120, 240, 480, 960, // CELT NB
	120, 240, 480, 960, // CELT WB
	120, 240, 480, 960, // CELT SWB
	120, 240, 480, 960, // CELT FB
}

// MakeTOC builds a TOC byte.
func MakeTOC(config int, stereo bool, code int) TOC {
	t := TOC(config&0x1F) << 3
	if stereo {
		t |= 0x04
	}
	return t | TOC(code&0x03)
}

func (t TOC) Config() int {
	return int(t >> 3)
}

func (t TOC) Stereo() bool {
	return t&0x04 != 0
}

func (t TOC) Code() int {
	return int(t & 0x03)
}

// WithCode returns t with its frame count code replaced.
func (t TOC) WithCode(code int) TOC {
	return t&^0x03 | TOC(code&0x03)
}

func (t TOC) Mode() Mode {
	switch c := t.Config(); {
	case c < 12:
		return ModeSILK
	case c < 16:
		return ModeHybrid
	default:
		return ModeCELT
	}
}

func (t TOC) Bandwidth() Bandwidth {
	switch c := t.Config(); {
	case c < 4:
		return Narrowband
	case c < 8:
		return Mediumband
	case c < 12:
		return Wideband
	case c < 14:
		return SuperWideband
	case c < 16:
		return Fullband
	case c < 20:
		return Narrowband
	case c < 24:
		return Wideband
	case c < 28:
		return SuperWideband
	default:
		return Fullband
	}
}

// FrameSamples returns the number of samples per channel in one frame at 48 kHz.
func (t TOC) FrameSamples() int {
	return frameSamples[t.Config()]
}

// FrameSamplesAt returns the number of samples per channel in one frame at
// the given decoder sample rate.
func (t TOC) FrameSamplesAt(sampleRate int) int {
	return t.FrameSamples() * sampleRate / 48000
}

func (t TOC) FrameDuration() time.Duration {
	return time.Duration(t.FrameSamples()) * time.Second / 48000
}

// SameConfig reports whether two TOC bytes describe frames that may share a
// packet: same configuration and channel count.
func (t TOC) SameConfig(o TOC) bool {
	return t>>2 == o>>2
}

func (t TOC) String() string {
	return fmt.Sprintf("config=%d mode=%s bw=%s frame=%s stereo=%t code=%d",
		t.Config(), t.Mode(), t.Bandwidth(), t.FrameDuration(), t.Stereo(), t.Code())
}

// ConfigFor returns a configuration number for the given mode, bandwidth and
// frame size at 48 kHz, or -1 if the combination does not exist.
func ConfigFor(mode Mode, bw Bandwidth, samples int) int {
	for c := range frameSamples {
		t := MakeTOC(c, false, 0)
		if t.Mode() == mode && t.Bandwidth() == bw && t.FrameSamples() == samples {
			return c
		}
	}
	return -1
}
