package normalize

import (
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned for PCM that does not describe exactly one
// decoded packet, and for encoder output that is not a valid Opus packet.
var ErrInvalidFrame = errors.New("invalid frame")

// Buffer is interleaved 16 bit PCM decoded from one packet. It is owned by
// whichever pipeline stage currently holds it.
type Buffer struct {
	Samples  []int16
	Channels int
	// FrameSamples is the expected number of samples per channel.
	FrameSamples int
	// Index is the position of the source packet in the stream.
	Index int
}

// Validate checks that the buffer is non-empty and holds exactly
// FrameSamples samples for each channel.
func (b Buffer) Validate() error {
	switch {
	case len(b.Samples) == 0:
		return fmt.Errorf("%w: buffer %d is empty", ErrInvalidFrame, b.Index)
	case b.Channels <= 0:
		return fmt.Errorf("%w: buffer %d has %d channels", ErrInvalidFrame, b.Index, b.Channels)
	case len(b.Samples) != b.FrameSamples*b.Channels:
		return fmt.Errorf("%w: buffer %d holds %d samples, expected %d x %d channels",
			ErrInvalidFrame, b.Index, len(b.Samples), b.FrameSamples, b.Channels)
	}
	return nil
}

// Peak returns the largest absolute sample value.
func (b Buffer) Peak() int {
	peak := 0
	for _, s := range b.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	return peak
}

// Frame returns the PCM of frame i when the buffer is split into frames of
// samples per channel each. The returned buffer aliases b.
func (b Buffer) Frame(i, samples int) Buffer {
	n := samples * b.Channels
	return Buffer{
		Samples:      b.Samples[i*n : (i+1)*n],
		Channels:     b.Channels,
		FrameSamples: samples,
		Index:        b.Index,
	}
}
