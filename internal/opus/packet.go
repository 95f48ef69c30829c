package opus

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameBytes is the largest compressed frame allowed (RFC 6716 R2).
	MaxFrameBytes = 1275
	// MaxPacketSamples is 120 ms at 48 kHz, the longest packet duration.
	MaxPacketSamples = 5760
	// MaxFramesPerPacket is the largest frame count a code 3 packet can carry.
	MaxFramesPerPacket = 48
	// MaxPacketBytes bounds an encoder output buffer.
	MaxPacketBytes = 4000
)

var (
	ErrInvalidPacket = errors.New("opus: invalid packet")
	ErrEmptyPacket   = fmt.Errorf("%w: empty packet", ErrInvalidPacket)
)

// Packet is a parsed Opus packet.
type Packet struct {
	TOC     TOC
	Frames  [][]byte
	Padding int
}

// FrameCount returns the number of frames in the packet.
func (p Packet) FrameCount() int {
	return len(p.Frames)
}

// Samples returns the packet duration in samples per channel at 48 kHz.
func (p Packet) Samples() int {
	return len(p.Frames) * p.TOC.FrameSamples()
}

// ParsePacket splits an Opus packet into its frames, enforcing the framing
// requirements of RFC 6716 section 3.4. The frames alias data.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, ErrEmptyPacket
	}

	toc := TOC(data[0])
	p := Packet{TOC: toc}
	rest := data[1:]

	switch toc.Code() {
	case CodeOneFrame:
		if len(rest) > MaxFrameBytes {
			return Packet{}, invalid("frame of %d bytes exceeds %d", len(rest), MaxFrameBytes)
		}
		p.Frames = [][]byte{rest}

	case CodeTwoEqualFrames:
		if len(rest)%2 != 0 {
			return Packet{}, invalid("code 1 payload of %d bytes is not even", len(rest))
		}
		half := len(rest) / 2
		if half > MaxFrameBytes {
			return Packet{}, invalid("frame of %d bytes exceeds %d", half, MaxFrameBytes)
		}
		p.Frames = [][]byte{rest[:half], rest[half:]}

	case CodeTwoFrames:
		n, used, err := frameLength(rest)
		if err != nil {
			return Packet{}, err
		}
		rest = rest[used:]
		if n > len(rest) {
			return Packet{}, invalid("first frame of %d bytes overruns packet", n)
		}
		if len(rest)-n > MaxFrameBytes {
			return Packet{}, invalid("frame of %d bytes exceeds %d", len(rest)-n, MaxFrameBytes)
		}
		p.Frames = [][]byte{rest[:n], rest[n:]}

	case CodeArbitraryFrames:
		frames, padding, err := parseCode3(toc, rest)
		if err != nil {
			return Packet{}, err
		}
		p.Frames = frames
		p.Padding = padding
	}

	if p.Samples() > MaxPacketSamples {
		return Packet{}, invalid("packet duration of %d samples exceeds 120 ms", p.Samples())
	}
	return p, nil
}

func parseCode3(toc TOC, rest []byte) ([][]byte, int, error) {
	if len(rest) < 1 {
		return nil, 0, invalid("code 3 packet without frame count byte")
	}
	vbr := rest[0]&0x80 != 0
	hasPadding := rest[0]&0x40 != 0
	count := int(rest[0] & 0x3F)
	rest = rest[1:]

	if count == 0 {
		return nil, 0, invalid("code 3 packet with zero frames")
	}
	if count*toc.FrameSamples() > MaxPacketSamples {
		return nil, 0, invalid("%d frames of %s exceed 120 ms", count, toc.FrameDuration())
	}

	padding := 0
	if hasPadding {
		for {
			if len(rest) == 0 {
				return nil, 0, invalid("truncated padding length")
			}
			b := int(rest[0])
			rest = rest[1:]
			if b == 255 {
				padding += 254
				continue
			}
			padding += b
			break
		}
	}
	if padding > len(rest) {
		return nil, 0, invalid("padding of %d bytes overruns packet", padding)
	}
	rest = rest[:len(rest)-padding]

	frames := make([][]byte, count)
	if vbr {
		sizes := make([]int, count)
		total := 0
		for i := range count - 1 {
			n, used, err := frameLength(rest)
			if err != nil {
				return nil, 0, err
			}
			rest = rest[used:]
			sizes[i] = n
			total += n
		}
		if total > len(rest) {
			return nil, 0, invalid("frame lengths of %d bytes overrun packet", total)
		}
		sizes[count-1] = len(rest) - total
		if sizes[count-1] > MaxFrameBytes {
			return nil, 0, invalid("frame of %d bytes exceeds %d", sizes[count-1], MaxFrameBytes)
		}
		for i, n := range sizes {
			frames[i] = rest[:n]
			rest = rest[n:]
		}
	} else {
		if len(rest)%count != 0 {
			return nil, 0, invalid("CBR payload of %d bytes is not a multiple of %d frames", len(rest), count)
		}
		size := len(rest) / count
		if size > MaxFrameBytes {
			return nil, 0, invalid("frame of %d bytes exceeds %d", size, MaxFrameBytes)
		}
		for i := range frames {
			frames[i] = rest[:size]
			rest = rest[size:]
		}
	}
	return frames, padding, nil
}

// frameLength decodes the one or two byte frame length encoding.
func frameLength(data []byte) (n, used int, err error) {
	if len(data) < 1 {
		return 0, 0, invalid("missing frame length")
	}
	if data[0] < 252 {
		return int(data[0]), 1, nil
	}
	if len(data) < 2 {
		return 0, 0, invalid("truncated frame length")
	}
	return int(data[1])*4 + int(data[0]), 2, nil
}

func appendFrameLength(dst []byte, n int) []byte {
	if n < 252 {
		return append(dst, byte(n))
	}
	first := 252 + (n-252)%4
	return append(dst, byte(first), byte((n-first)/4))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPacket, fmt.Sprintf(format, args...))
}
