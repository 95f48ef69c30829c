package ogg

import (
	"encoding/binary"
)

// Header type flags.
const (
	Continued byte = 0x01
	BOS       byte = 0x02
	EOS       byte = 0x04
)

const (
	capturePattern = "OggS"
	headerSize     = 27

	// MaxSegments is the number of lacing values a page can hold.
	MaxSegments = 255
	// MaxSegmentSize is the largest lacing value.
	MaxSegmentSize = 255
)

// NoGranule is the granule position of a page on which no packet completes.
const NoGranule int64 = -1

// Page is a single Ogg page.
type Page struct {
	HeaderType byte
	Granule    int64
	Serial     uint32
	Sequence   uint32
	Segments   []byte
	Body       []byte
}

func (p *Page) IsBOS() bool {
	return p.HeaderType&BOS != 0
}

func (p *Page) IsEOS() bool {
	return p.HeaderType&EOS != 0
}

func (p *Page) IsContinued() bool {
	return p.HeaderType&Continued != 0
}

// Size returns the encoded size of the page in bytes.
func (p *Page) Size() int {
	return headerSize + len(p.Segments) + len(p.Body)
}

// Encode serializes the page, computing its checksum.
func (p *Page) Encode() []byte {
	buf := make([]byte, p.Size())
	copy(buf[0:], capturePattern)
	buf[4] = 0
	buf[5] = p.HeaderType
	binary.LittleEndian.PutUint64(buf[6:], uint64(p.Granule))
	binary.LittleEndian.PutUint32(buf[14:], p.Serial)
	binary.LittleEndian.PutUint32(buf[18:], p.Sequence)
	buf[26] = byte(len(p.Segments))
	copy(buf[headerSize:], p.Segments)
	copy(buf[headerSize+len(p.Segments):], p.Body)

	binary.LittleEndian.PutUint32(buf[22:], checksum(buf))
	return buf
}

// lacing returns the lacing values for a packet of n bytes.
// A packet whose length is a multiple of 255 ends with a zero lacing value.
func lacing(n int) []byte {
	values := make([]byte, n/MaxSegmentSize+1)
	for i := range values[:len(values)-1] {
		values[i] = MaxSegmentSize
	}
	values[len(values)-1] = byte(n % MaxSegmentSize)
	return values
}
