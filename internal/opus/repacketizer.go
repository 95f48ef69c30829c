package opus

import (
	"errors"
	"fmt"
)

var (
	ErrConfigMismatch = errors.New("opus: frames do not share a configuration")
	ErrPacketFull     = errors.New("opus: packet cannot hold more frames")
)

// Repacketizer merges the frames of consecutive packets that share a TOC
// configuration into a single packet, choosing the most compact frame
// count code.
type Repacketizer struct {
	toc    TOC
	frames [][]byte
}

// Add appends the frames of packet. It returns ErrConfigMismatch if the
// packet's configuration differs from the frames already held and
// ErrPacketFull if the result would exceed 48 frames or 120 ms; in both
// cases nothing is added.
func (r *Repacketizer) Add(packet []byte) error {
	p, err := ParsePacket(packet)
	if err != nil {
		return err
	}
	if len(r.frames) > 0 && !r.toc.SameConfig(p.TOC) {
		return fmt.Errorf("%w: %s vs %s", ErrConfigMismatch, r.toc, p.TOC)
	}
	count := len(r.frames) + len(p.Frames)
	if count > MaxFramesPerPacket || count*p.TOC.FrameSamples() > MaxPacketSamples {
		return ErrPacketFull
	}

	if len(r.frames) == 0 {
		r.toc = p.TOC
	}
	for _, f := range p.Frames {
		r.frames = append(r.frames, append([]byte(nil), f...))
	}
	return nil
}

// Len returns the number of frames held.
func (r *Repacketizer) Len() int {
	return len(r.frames)
}

// Reset discards all held frames.
func (r *Repacketizer) Reset() {
	r.frames = r.frames[:0]
}

// Out builds a packet from the held frames.
func (r *Repacketizer) Out() ([]byte, error) {
	switch n := len(r.frames); {
	case n == 0:
		return nil, fmt.Errorf("%w: no frames to packetize", ErrInvalidPacket)
	case n == 1:
		return append([]byte{byte(r.toc.WithCode(CodeOneFrame))}, r.frames[0]...), nil
	case n == 2 && len(r.frames[0]) == len(r.frames[1]):
		out := []byte{byte(r.toc.WithCode(CodeTwoEqualFrames))}
		out = append(out, r.frames[0]...)
		return append(out, r.frames[1]...), nil
	case n == 2:
		out := []byte{byte(r.toc.WithCode(CodeTwoFrames))}
		out = appendFrameLength(out, len(r.frames[0]))
		out = append(out, r.frames[0]...)
		return append(out, r.frames[1]...), nil
	}

	cbr := true
	for _, f := range r.frames[1:] {
		if len(f) != len(r.frames[0]) {
			cbr = false
			break
		}
	}

	out := []byte{byte(r.toc.WithCode(CodeArbitraryFrames))}
	countByte := byte(len(r.frames))
	if !cbr {
		countByte |= 0x80
	}
	out = append(out, countByte)
	if !cbr {
		for _, f := range r.frames[:len(r.frames)-1] {
			out = appendFrameLength(out, len(f))
		}
	}
	for _, f := range r.frames {
		out = append(out, f...)
	}
	return out, nil
}
