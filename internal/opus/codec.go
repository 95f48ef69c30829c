package opus

import "errors"

// ErrCodecUnavailable is returned when the binary was built without a
// working Opus codec.
var ErrCodecUnavailable = errors.New("opus: codec unavailable in this build")

// Decoder turns one Opus packet into interleaved PCM.
type Decoder interface {
	// Decode decodes packet into pcm and returns the number of samples
	// decoded per channel.
	Decode(packet []byte, pcm []int16) (int, error)
}

// Encoder turns interleaved PCM covering exactly one Opus frame duration
// into a packet.
type Encoder interface {
	// Encode encodes pcm into out and returns the packet length.
	Encode(pcm []int16, out []byte) (int, error)
}

// Shaper is implemented by encoders that can follow the mode and bandwidth
// of the packets they re-encode. libopus only keeps frames longer than
// 20 ms whole in SILK-only mode; outside it they come back split into
// 20 ms frames.
type Shaper interface {
	// Shape prepares the encoder for frames described by toc. It is called
	// before the first frame and whenever the input configuration changes.
	Shape(toc TOC) error
}

// SILKBitrate returns the bitrate libopus is capped at to keep frames of
// bandwidth bw in SILK-only mode.
func SILKBitrate(bw Bandwidth) int {
	switch bw {
	case Narrowband:
		return 12000
	case Mediumband:
		return 14000
	}
	return 16000
}

// Codec creates decoders and encoders for one stream.
type Codec interface {
	NewDecoder(sampleRate, channels int) (Decoder, error)
	NewEncoder(sampleRate, channels int) (Encoder, error)
}

// Lookahead returns the encoder delay in samples at 48 kHz that every
// re-encoded stream gains at its start.
func (LibOpus) Lookahead() int {
	return DefaultPreSkip
}
