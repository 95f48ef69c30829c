package container

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/glizzus/opus-normalize/internal/ogg"
	"github.com/glizzus/opus-normalize/internal/opus"
)

// Vendor is written into the comment header of streams this package creates.
const Vendor = "opus-normalize"

// DefaultMaxPageDuration is how much audio a page holds before it is flushed.
const DefaultMaxPageDuration = time.Second

type WriterOptions struct {
	// Serial is the bitstream serial number. Zero picks a random one.
	Serial uint32
	// MaxPageDuration caps the audio on one page. Zero means
	// DefaultMaxPageDuration.
	MaxPageDuration time.Duration
}

// WriterStats describes what a Writer has emitted.
type WriterStats struct {
	Packets int
	Frames  int
	// Samples is the cumulative duration at 48 kHz, before end trimming.
	Samples int64
	Pages   int
	Bytes   int64
}

// Writer muxes Opus packets into an Ogg Opus stream.
type Writer struct {
	ogg *ogg.Writer

	maxPageSamples int64
	pageSamples    int64
	endTrim        int64

	stats WriterStats
	err   error
}

// NewWriter writes the identification and comment headers, each on its own
// page, and returns a Writer ready for audio packets.
func NewWriter(w io.Writer, head opus.Head, tags opus.Tags, opts WriterOptions) (*Writer, error) {
	serial := opts.Serial
	if serial == 0 {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("failed to generate stream serial: %w", err)
		}
		serial = binary.LittleEndian.Uint32(b[:])
	}
	maxDuration := opts.MaxPageDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxPageDuration
	}

	cw := &Writer{
		ogg:            ogg.NewWriter(w, serial),
		maxPageSamples: int64(maxDuration * 48000 / time.Second),
	}

	for _, header := range [][]byte{head.Marshal(), tags.Marshal()} {
		if err := cw.ogg.WritePacket(header, 0); err != nil {
			return nil, cw.fail(err)
		}
		if err := cw.ogg.Flush(); err != nil {
			return nil, cw.fail(err)
		}
	}
	return cw, nil
}

func (w *Writer) fail(err error) error {
	w.err = fmt.Errorf("%w: %w", ErrWriteFailure, err)
	return w.err
}

// WritePacket appends one audio packet. Its duration is taken from the TOC
// and added to the running granule position.
func (w *Writer) WritePacket(data []byte) error {
	if w.err != nil {
		return w.err
	}

	p, err := opus.ParsePacket(data)
	if err != nil {
		return fmt.Errorf("failed to mux packet %d: %w", w.stats.Packets, err)
	}

	// A full page is only flushed once more audio arrives, so the last page
	// always carries audio along with the end-of-stream flag.
	if w.pageSamples >= w.maxPageSamples {
		if err := w.ogg.Flush(); err != nil {
			return w.fail(err)
		}
		w.pageSamples = 0
	}

	samples := int64(p.Samples())
	granule := w.stats.Samples + samples
	if err := w.ogg.WritePacket(data, granule); err != nil {
		return w.fail(err)
	}

	w.stats.Packets++
	w.stats.Frames += p.FrameCount()
	w.stats.Samples = granule
	w.pageSamples += samples
	return nil
}

// SetEndTrim makes the final page discard n samples at 48 kHz from the end
// of the last packet.
func (w *Writer) SetEndTrim(n int64) {
	w.endTrim = max(n, 0)
}

// Close writes the final page with the end-of-stream flag. It does not close
// the underlying io.Writer.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}

	final := w.stats.Samples
	if w.endTrim > 0 && w.endTrim < final {
		final -= w.endTrim
	}
	if err := w.ogg.Finish(final); err != nil {
		return w.fail(err)
	}
	w.err = fmt.Errorf("%w: %w", ErrWriteFailure, ogg.ErrWriterClosed)
	return nil
}

func (w *Writer) Stats() WriterStats {
	s := w.stats
	s.Pages = w.ogg.Pages()
	s.Bytes = w.ogg.BytesWritten()
	return s
}
