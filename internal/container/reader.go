package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/glizzus/opus-normalize/internal/ogg"
	"github.com/glizzus/opus-normalize/internal/opus"
)

// Reader reads the audio packets of an Ogg Opus stream in a single forward
// pass. Only the first logical bitstream is read.
type Reader struct {
	packets *ogg.PacketReader
	head    opus.Head
	tags    opus.Tags

	index   int
	samples int64
	endTrim int64
	done    bool
}

var _ Source = (*Reader)(nil)

// NewReader reads the identification and comment headers from r and returns
// a Reader positioned at the first audio packet.
func NewReader(r io.Reader) (*Reader, error) {
	packets := ogg.NewPacketReader(r)

	first, err := packets.ReadPacket()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w: input is empty", ErrMalformedContainer, ErrEmptyStream)
	}
	if err != nil {
		return nil, classify(err)
	}

	head, err := opus.ParseHead(first.Data)
	if err != nil {
		return nil, classify(err)
	}
	if head.MappingFamily != 0 {
		return nil, fmt.Errorf("%w: channel mapping family %d", ErrUnsupportedStream, head.MappingFamily)
	}
	if first.Granule != 0 {
		return nil, fmt.Errorf("%w: identification header does not end its page", ErrMalformedContainer)
	}

	second, err := packets.ReadPacket()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: missing comment header", ErrMalformedContainer)
	}
	if err != nil {
		return nil, classify(err)
	}
	tags, err := opus.ParseTags(second.Data)
	if err != nil {
		return nil, classify(err)
	}

	return &Reader{packets: packets, head: head, tags: tags}, nil
}

func (r *Reader) Head() opus.Head {
	return r.head
}

func (r *Reader) Tags() opus.Tags {
	return r.tags
}

// Next returns the next audio packet, or io.EOF after the end-of-stream page.
func (r *Reader) Next() (Packet, error) {
	if r.done {
		return Packet{}, io.EOF
	}

	raw, err := r.packets.ReadPacket()
	if errors.Is(err, io.EOF) {
		r.done = true
		if r.index == 0 {
			return Packet{}, fmt.Errorf("%w: %w", ErrMalformedContainer, ErrEmptyStream)
		}
		if g := r.packets.Granule(); g != ogg.NoGranule && g < r.samples {
			r.endTrim = r.samples - g
		}
		if r.packets.Unterminated() {
			slog.Warn("Stream ended without an end-of-stream page",
				"serial", r.packets.Serial(),
				"page", r.packets.LastPage(),
				"packets", r.index,
			)
		}
		return Packet{}, io.EOF
	}
	if err != nil {
		return Packet{}, classify(err)
	}

	p, err := newPacket(raw.Data, r.index)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: packet %d on page %d: %w", ErrMalformedContainer, r.index, raw.Page, err)
	}
	p.Page = raw.Page
	p.Granule = raw.Granule

	r.index++
	r.samples += int64(p.Samples)
	return p, nil
}

// EndTrim returns how many samples at 48 kHz the final page discards from
// the end of the last packet. It is only meaningful after Next returned
// io.EOF.
func (r *Reader) EndTrim() int64 {
	return r.endTrim
}

// Position returns the page sequence number last read and the number of
// audio packets returned so far.
func (r *Reader) Position() (page uint32, packets int) {
	return r.packets.LastPage(), r.index
}

// File is a Reader over an open file. It must be closed.
type File struct {
	*Reader
	f *os.File
}

// Open opens path and reads its Ogg Opus headers.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	return &File{Reader: r, f: f}, nil
}

func (f *File) Close() error {
	return f.f.Close()
}
