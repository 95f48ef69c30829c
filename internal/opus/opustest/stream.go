package opustest

import (
	"bytes"
	"testing"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/opus"
)

type StreamOptions struct {
	Packets         int
	Channels        int
	InputSampleRate uint32
	// Config is the TOC configuration of every packet.
	Config          int
	FramesPerPacket int
	// FrameBytes is the payload size of each frame, including the
	// amplitude byte.
	FrameBytes int
	// Amplitude returns the amplitude byte of packet i.
	Amplitude  func(i int) byte
	EndTrim    int64
	OutputGain int16
}

// LegacyCapture describes the 392 packet, 16 kHz mono recording made of
// 60 ms SILK packets of 133 bytes each.
func LegacyCapture() StreamOptions {
	return StreamOptions{
		Packets:         392,
		Channels:        1,
		InputSampleRate: 16000,
		Config:          opus.ConfigFor(opus.ModeSILK, opus.Wideband, 2880),
		FramesPerPacket: 1,
		FrameBytes:      132,
		Amplitude:       func(i int) byte { return byte(20 + i%40) },
	}
}

// FrameSamples returns the duration of one frame at 48 kHz.
func (o StreamOptions) FrameSamples() int {
	return opus.MakeTOC(o.Config, false, opus.CodeOneFrame).FrameSamples()
}

func (o StreamOptions) amplitude(i int) byte {
	if o.Amplitude == nil {
		return 40
	}
	return o.Amplitude(i)
}

// Packets builds the audio packets described by o.
func Packets(t testing.TB, o StreamOptions) [][]byte {
	t.Helper()
	frames := max(o.FramesPerPacket, 1)
	size := max(o.FrameBytes, 1)

	packets := make([][]byte, o.Packets)
	for i := range packets {
		var r opus.Repacketizer
		for f := range frames {
			frame := bytes.Repeat([]byte{byte(f)}, size)
			frame[0] = o.amplitude(i)
			single := append([]byte{byte(opus.MakeTOC(o.Config, o.Channels == 2, opus.CodeOneFrame))}, frame...)
			if err := r.Add(single); err != nil {
				t.Fatalf("failed to build packet %d: %v", i, err)
			}
		}
		p, err := r.Out()
		if err != nil {
			t.Fatalf("failed to build packet %d: %v", i, err)
		}
		packets[i] = p
	}
	return packets
}

func (o StreamOptions) head() opus.Head {
	head := opus.NewHead(o.Channels, o.InputSampleRate)
	head.OutputGain = o.OutputGain
	return head
}

// Ogg returns a complete Ogg Opus stream.
func Ogg(t testing.TB, o StreamOptions) []byte {
	t.Helper()
	return mux(t, o.head(), Packets(t, o), o.EndTrim)
}

// OggOf muxes packets under head into a complete Ogg Opus stream.
func OggOf(t testing.TB, head opus.Head, packets [][]byte) []byte {
	t.Helper()
	return mux(t, head, packets, 0)
}

func mux(t testing.TB, head opus.Head, packets [][]byte, endTrim int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := container.NewWriter(&buf, head, opus.Tags{Vendor: "opustest"}, container.WriterOptions{Serial: 0x5EED})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	for i, p := range packets {
		if err := w.WritePacket(p); err != nil {
			t.Fatalf("failed to write packet %d: %v", i, err)
		}
	}
	w.SetEndTrim(endTrim)
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return buf.Bytes()
}

// LengthPrefixed returns the packets in the length-prefixed raw format.
func LengthPrefixed(t testing.TB, o StreamOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := opus.NewFrameWriter(&buf)
	for i, p := range Packets(t, o) {
		if err := w.WriteFrame(p); err != nil {
			t.Fatalf("failed to write packet %d: %v", i, err)
		}
	}
	return buf.Bytes()
}

// Fixed returns the packets concatenated without framing.
func Fixed(t testing.TB, o StreamOptions) []byte {
	t.Helper()
	return bytes.Join(Packets(t, o), nil)
}
