package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/opus"
)

type decoded struct {
	packet container.Packet
	pcm    normalize.Buffer
}

type encoded struct {
	source container.Packet
	data   []byte
}

// inputStats is filled by the read stage and only read after it returns.
type inputStats struct {
	packets int
	frames  int
	samples int64
	endTrim int64
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readStage(ctx context.Context, src container.Source, stats *inputStats, out chan<- container.Packet) error {
	defer close(out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := src.Next()
		if errors.Is(err, io.EOF) {
			if t, ok := src.(interface{ EndTrim() int64 }); ok {
				stats.endTrim = t.EndTrim()
			}
			return nil
		}
		if err != nil {
			last := container.Packet{Index: stats.packets}
			if pos, ok := src.(interface{ Position() (uint32, int) }); ok {
				page, _ := pos.Position()
				last.Page = page
			}
			return at(last, err)
		}

		stats.packets++
		stats.frames += p.Frames
		stats.samples += int64(p.Samples)
		if err := send(ctx, out, p); err != nil {
			return err
		}
	}
}

func decodeStage(ctx context.Context, dec opus.Decoder, rate, channels int, in <-chan container.Packet, out chan<- decoded) error {
	defer close(out)
	pcm := make([]int16, opus.MaxPacketSamples*rate/48000*channels)
	for p := range in {
		n, err := dec.Decode(p.Data, pcm)
		if err != nil {
			return at(p, fmt.Errorf("failed to decode packet: %w", err))
		}
		want := p.Samples * rate / 48000
		if n != want {
			return at(p, fmt.Errorf("%w: decoded %d samples per channel, expected %d", normalize.ErrInvalidFrame, n, want))
		}

		buf := normalize.Buffer{
			Samples:      slices.Clone(pcm[:n*channels]),
			Channels:     channels,
			FrameSamples: want,
			Index:        p.Index,
		}
		if err := send(ctx, out, decoded{packet: p, pcm: buf}); err != nil {
			return err
		}
	}
	return nil
}

func analyzeStage(a *normalize.Analyzer, in <-chan decoded) error {
	for d := range in {
		a.Observe(d.pcm)
	}
	return nil
}

func gainStage(ctx context.Context, gain normalize.Gain, peak *int, in <-chan decoded, out chan<- decoded) error {
	defer close(out)
	for d := range in {
		*peak = max(*peak, d.pcm.Peak())
		pcm, err := gain.Apply(d.pcm)
		if err != nil {
			return at(d.packet, err)
		}
		d.pcm = pcm
		if err := send(ctx, out, d); err != nil {
			return err
		}
	}
	return nil
}

// encodeStage encodes every frame of a packet on its own and merges the
// results back into as few packets as the encoder's configurations allow.
// Each input frame yields exactly one output frame. An encoder that splits
// a frame fails the run with ErrInvalidFrame at that frame; encoders that
// implement opus.Shaper are shaped to each input configuration first.
func encodeStage(ctx context.Context, enc opus.Encoder, rate int, in <-chan decoded, out chan<- encoded) error {
	defer close(out)
	buf := make([]byte, opus.MaxPacketBytes)
	var r opus.Repacketizer

	shaper, _ := enc.(opus.Shaper)
	shaped := false
	var shape opus.TOC

	flush := func(src container.Packet) error {
		if r.Len() == 0 {
			return nil
		}
		data, err := r.Out()
		if err != nil {
			return at(src, err)
		}
		r.Reset()
		return send(ctx, out, encoded{source: src, data: data})
	}

	for d := range in {
		if shaper != nil && (!shaped || !d.packet.TOC.SameConfig(shape)) {
			if err := shaper.Shape(d.packet.TOC); err != nil {
				return at(d.packet, fmt.Errorf("failed to configure encoder: %w", err))
			}
			shaped, shape = true, d.packet.TOC
		}

		frames := d.packet.Frames
		perFrame := d.packet.Samples / frames
		for i := range frames {
			frame := d.pcm.Frame(i, perFrame*rate/48000)
			n, err := enc.Encode(frame.Samples, buf)
			if err != nil {
				return at(d.packet, fmt.Errorf("failed to encode frame %d: %w", i, err))
			}
			packet := buf[:n]
			parsed, err := opus.ParsePacket(packet)
			if err != nil {
				return at(d.packet, fmt.Errorf("%w: encoder output for frame %d: %w", normalize.ErrInvalidFrame, i, err))
			}
			if parsed.FrameCount() != 1 || parsed.Samples() != perFrame {
				return at(d.packet, fmt.Errorf("%w: encoder turned a %d sample frame into %d frames of %d samples",
					normalize.ErrInvalidFrame, perFrame, parsed.FrameCount(), parsed.TOC.FrameSamples()))
			}

			err = r.Add(packet)
			if errors.Is(err, opus.ErrConfigMismatch) || errors.Is(err, opus.ErrPacketFull) {
				if err := flush(d.packet); err != nil {
					return err
				}
				err = r.Add(packet)
			}
			if err != nil {
				return at(d.packet, err)
			}
		}
		if err := flush(d.packet); err != nil {
			return err
		}
	}
	return nil
}

func copyStage(ctx context.Context, in <-chan container.Packet, out chan<- encoded) error {
	defer close(out)
	for p := range in {
		if err := send(ctx, out, encoded{source: p, data: p.Data}); err != nil {
			return err
		}
	}
	return nil
}

func writeStage(w *container.Writer, in <-chan encoded) error {
	for e := range in {
		if err := w.WritePacket(e.data); err != nil {
			return at(e.source, err)
		}
	}
	return nil
}
