package container

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/glizzus/opus-normalize/internal/opus"
)

// Format names an input layout.
type Format int

const (
	FormatOgg Format = iota
	// FormatLengthPrefixed is concatenated [uint16 LE length][packet] records.
	FormatLengthPrefixed
	// FormatFixed is concatenated packets of one constant size.
	FormatFixed
)

func (f Format) String() string {
	switch f {
	case FormatOgg:
		return "ogg"
	case FormatLengthPrefixed:
		return "length-prefixed"
	case FormatFixed:
		return "fixed"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "ogg":
		return FormatOgg, nil
	case "length-prefixed":
		return FormatLengthPrefixed, nil
	case "fixed":
		return FormatFixed, nil
	}
	return 0, fmt.Errorf("unknown input format %q", s)
}

// Params describes raw inputs, which carry no headers of their own.
type Params struct {
	Channels        int
	InputSampleRate uint32
	// FrameSize is the packet size of FormatFixed inputs.
	FrameSize int
}

// DefaultParams matches the legacy 16 kHz mono capture format.
var DefaultParams = Params{
	Channels:        1,
	InputSampleRate: 16000,
	FrameSize:       133,
}

// NewSource returns a Source reading r in the given format.
func NewSource(r io.Reader, format Format, params Params) (Source, error) {
	switch format {
	case FormatOgg:
		reader, err := NewReader(r)
		if err != nil {
			return nil, err
		}
		return reader, nil
	case FormatLengthPrefixed:
		return NewLengthPrefixedSource(r, params)
	case FormatFixed:
		return NewFixedSizeSource(r, params.FrameSize, params)
	}
	return nil, fmt.Errorf("%w: unknown input format %s", ErrUnsupportedStream, format)
}

type rawSource struct {
	head  opus.Head
	tags  opus.Tags
	read  func() ([]byte, error)
	index int
	done  bool
}

func newRawSource(params Params, read func() ([]byte, error)) (*rawSource, error) {
	if params.Channels != 1 && params.Channels != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedStream, params.Channels)
	}
	return &rawSource{
		head: opus.NewHead(params.Channels, params.InputSampleRate),
		tags: opus.Tags{Vendor: Vendor},
		read: read,
	}, nil
}

func (s *rawSource) Head() opus.Head {
	return s.head
}

func (s *rawSource) Tags() opus.Tags {
	return s.tags
}

func (s *rawSource) Next() (Packet, error) {
	if s.done {
		return Packet{}, io.EOF
	}

	data, err := s.read()
	if errors.Is(err, io.EOF) {
		s.done = true
		if s.index == 0 {
			return Packet{}, fmt.Errorf("%w: %w", ErrMalformedContainer, ErrEmptyStream)
		}
		return Packet{}, io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return Packet{}, fmt.Errorf("%w: packet %d is truncated", ErrMalformedContainer, s.index)
	}
	if err != nil {
		return Packet{}, fmt.Errorf("failed to read packet %d: %w", s.index, err)
	}

	p, err := newPacket(data, s.index)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: packet %d: %w", ErrMalformedContainer, s.index, err)
	}
	s.index++
	return p, nil
}

// NewLengthPrefixedSource reads packets written by opus.FrameWriter.
func NewLengthPrefixedSource(r io.Reader, params Params) (Source, error) {
	frames := opus.NewFrameReader(r)
	s, err := newRawSource(params, frames.ReadFrame)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewFixedSizeSource reads packets of exactly size bytes each.
func NewFixedSizeSource(r io.Reader, size int, params Params) (Source, error) {
	if size <= 0 || size > opus.MaxPacketBytes {
		return nil, fmt.Errorf("%w: fixed packet size %d", ErrUnsupportedStream, size)
	}
	s, err := newRawSource(params, func() ([]byte, error) {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
