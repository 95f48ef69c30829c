package opus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	headMagic = "OpusHead"
	tagsMagic = "OpusTags"

	// DefaultPreSkip is the libopus encoder lookahead at 48 kHz.
	DefaultPreSkip = 312
)

var (
	ErrNotOpusHead        = errors.New("opus: first packet is not an OpusHead header")
	ErrUnsupportedVersion = errors.New("opus: unsupported header version")
	ErrInvalidHeader      = errors.New("opus: invalid header")
)

// Head is the identification header of an Ogg Opus stream (RFC 7845 §5.1).
type Head struct {
	Version         byte
	Channels        int
	PreSkip         uint16
	InputSampleRate uint32
	// OutputGain is a Q7.8 gain in dB applied by players on decode.
	OutputGain    int16
	MappingFamily byte
	StreamCount   byte
	CoupledCount  byte
	Mapping       []byte
}

// NewHead returns a family 0 header for a mono or stereo stream.
func NewHead(channels int, inputSampleRate uint32) Head {
	return Head{
		Version:         1,
		Channels:        channels,
		PreSkip:         DefaultPreSkip,
		InputSampleRate: inputSampleRate,
	}
}

// GainDB returns the output gain in decibels.
func (h Head) GainDB() float64 {
	return float64(h.OutputGain) / 256
}

// GainToQ78 converts a linear gain to the Q7.8 dB representation, saturating
// at the int16 range.
func GainToQ78(linear float64) int16 {
	if linear <= 0 {
		return math.MinInt16
	}
	q := math.Round(20 * math.Log10(linear) * 256)
	return int16(max(math.MinInt16, min(math.MaxInt16, q)))
}

func ParseHead(data []byte) (Head, error) {
	if len(data) < 8 || string(data[:8]) != headMagic {
		return Head{}, ErrNotOpusHead
	}
	if len(data) < 19 {
		return Head{}, fmt.Errorf("%w: OpusHead of %d bytes is shorter than 19", ErrInvalidHeader, len(data))
	}

	h := Head{
		Version:         data[8],
		Channels:        int(data[9]),
		PreSkip:         binary.LittleEndian.Uint16(data[10:]),
		InputSampleRate: binary.LittleEndian.Uint32(data[12:]),
		OutputGain:      int16(binary.LittleEndian.Uint16(data[16:])),
		MappingFamily:   data[18],
	}
	if h.Version>>4 != 0 {
		return Head{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Channels == 0 {
		return Head{}, fmt.Errorf("%w: zero channels", ErrInvalidHeader)
	}

	if h.MappingFamily == 0 {
		if h.Channels > 2 {
			return Head{}, fmt.Errorf("%w: mapping family 0 with %d channels", ErrInvalidHeader, h.Channels)
		}
		return h, nil
	}

	if len(data) < 21+h.Channels {
		return Head{}, fmt.Errorf("%w: truncated channel mapping table", ErrInvalidHeader)
	}
	h.StreamCount = data[19]
	h.CoupledCount = data[20]
	h.Mapping = append([]byte(nil), data[21:21+h.Channels]...)
	if h.StreamCount == 0 || h.CoupledCount > h.StreamCount {
		return Head{}, fmt.Errorf("%w: %d streams with %d coupled", ErrInvalidHeader, h.StreamCount, h.CoupledCount)
	}
	return h, nil
}

func (h Head) Marshal() []byte {
	size := 19
	if h.MappingFamily != 0 {
		size += 2 + len(h.Mapping)
	}
	buf := make([]byte, size)
	copy(buf, headMagic)
	buf[8] = h.Version
	buf[9] = byte(h.Channels)
	binary.LittleEndian.PutUint16(buf[10:], h.PreSkip)
	binary.LittleEndian.PutUint32(buf[12:], h.InputSampleRate)
	binary.LittleEndian.PutUint16(buf[16:], uint16(h.OutputGain))
	buf[18] = h.MappingFamily
	if h.MappingFamily != 0 {
		buf[19] = h.StreamCount
		buf[20] = h.CoupledCount
		copy(buf[21:], h.Mapping)
	}
	return buf
}

// Tags is the comment header of an Ogg Opus stream (RFC 7845 §5.2).
type Tags struct {
	Vendor   string
	Comments []string
}

func ParseTags(data []byte) (Tags, error) {
	if len(data) < 8 || string(data[:8]) != tagsMagic {
		return Tags{}, fmt.Errorf("%w: missing OpusTags signature", ErrInvalidHeader)
	}
	r := bytes.NewReader(data[8:])

	readString := func() (string, error) {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return "", fmt.Errorf("%w: truncated comment header", ErrInvalidHeader)
		}
		if int64(n) > int64(r.Len()) {
			return "", fmt.Errorf("%w: comment length %d overruns header", ErrInvalidHeader, n)
		}
		s := make([]byte, n)
		_, _ = r.Read(s)
		return string(s), nil
	}

	vendor, err := readString()
	if err != nil {
		return Tags{}, err
	}
	t := Tags{Vendor: vendor}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Tags{}, fmt.Errorf("%w: truncated comment header", ErrInvalidHeader)
	}
	if int64(count)*4 > int64(r.Len()) {
		return Tags{}, fmt.Errorf("%w: %d comments overrun header", ErrInvalidHeader, count)
	}
	for range count {
		c, err := readString()
		if err != nil {
			return Tags{}, err
		}
		t.Comments = append(t.Comments, c)
	}
	return t, nil
}

func (t Tags) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(tagsMagic)
	writeString := func(s string) {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s)))
		buf.WriteString(s)
	}
	writeString(t.Vendor)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(t.Comments)))
	for _, c := range t.Comments {
		writeString(c)
	}
	return buf.Bytes()
}
