package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrCapture      = errors.New("ogg: missing capture pattern")
	ErrVersion      = errors.New("ogg: unsupported stream structure version")
	ErrBadCRC       = errors.New("ogg: page checksum mismatch")
	ErrTruncated    = errors.New("ogg: truncated page")
	ErrNoBOS        = errors.New("ogg: first page is not a beginning-of-stream page")
	ErrSequence     = errors.New("ogg: page sequence gap")
	ErrGranule      = errors.New("ogg: granule position decreased")
	ErrContinuation = errors.New("ogg: broken packet continuation")
)

// PageError reports a framing problem together with where it was found.
type PageError struct {
	// Index is the zero-based position of the page in the physical stream.
	Index int
	// Offset is the byte offset of the page's first byte.
	Offset int64
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

var _ error = (*PageError)(nil)

// PageReader reads pages from an io.Reader.
type PageReader struct {
	r      io.Reader
	offset int64
	pages  int
	header [headerSize]byte
}

// NewPageReader returns a PageReader that reads from r.
func NewPageReader(r io.Reader) *PageReader {
	return &PageReader{r: r}
}

// ReadPage reads and validates the next page.
// It returns io.EOF only when the input ends exactly on a page boundary.
func (pr *PageReader) ReadPage() (*Page, error) {
	start := pr.offset
	fail := func(err error) (*Page, error) {
		return nil, &PageError{Index: pr.pages, Offset: start, Err: err}
	}

	n, err := io.ReadFull(pr.r, pr.header[:])
	pr.offset += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fail(ErrTruncated)
		}
		return fail(err)
	}

	h := pr.header[:]
	if string(h[0:4]) != capturePattern {
		return fail(ErrCapture)
	}
	if h[4] != 0 {
		return fail(ErrVersion)
	}

	page := &Page{
		HeaderType: h[5],
		Granule:    int64(binary.LittleEndian.Uint64(h[6:])),
		Serial:     binary.LittleEndian.Uint32(h[14:]),
		Sequence:   binary.LittleEndian.Uint32(h[18:]),
		Segments:   make([]byte, h[26]),
	}
	want := binary.LittleEndian.Uint32(h[22:])

	if err := pr.readFull(page.Segments); err != nil {
		return fail(err)
	}

	bodyLen := 0
	for _, s := range page.Segments {
		bodyLen += int(s)
	}
	page.Body = make([]byte, bodyLen)
	if err := pr.readFull(page.Body); err != nil {
		return fail(err)
	}

	binary.LittleEndian.PutUint32(h[22:], 0)
	crc := checksum(h)
	for _, b := range page.Segments {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	for _, b := range page.Body {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	if crc != want {
		return fail(fmt.Errorf("%w: found %08x, expected %08x", ErrBadCRC, crc, want))
	}

	pr.pages++
	return page, nil
}

func (pr *PageReader) readFull(buf []byte) error {
	n, err := io.ReadFull(pr.r, buf)
	pr.offset += int64(n)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// Offset returns the number of bytes consumed so far.
func (pr *PageReader) Offset() int64 {
	return pr.offset
}

// Packet is a packet reassembled from one logical bitstream.
type Packet struct {
	Data []byte
	// Page is the sequence number of the page on which the packet completes.
	Page uint32
	// Granule is the page's granule position if this is the last packet
	// completing on that page, NoGranule otherwise.
	Granule int64
	BOS     bool
	EOS     bool
}

// PacketReader yields the packets of the first logical bitstream found in
// the input. Pages belonging to other bitstreams are skipped.
type PacketReader struct {
	pages *PageReader

	started     bool
	serial      uint32
	nextSeq     uint32
	lastGranule int64
	lastPage    uint32

	pending []byte
	partial bool
	queue   []Packet
	eos     bool
	open    bool
}

// NewPacketReader returns a PacketReader that reads from r.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{pages: NewPageReader(r), lastGranule: NoGranule}
}

// Serial returns the serial number of the bitstream being read.
// It is only meaningful after the first packet has been returned.
func (pr *PacketReader) Serial() uint32 {
	return pr.serial
}

// LastPage returns the sequence number of the most recently read page.
func (pr *PacketReader) LastPage() uint32 {
	return pr.lastPage
}

// Granule returns the last granule position seen on a page of the
// bitstream, or NoGranule if none has been.
func (pr *PacketReader) Granule() int64 {
	return pr.lastGranule
}

// Unterminated reports whether the input ended on a page boundary without
// an end-of-stream page.
func (pr *PacketReader) Unterminated() bool {
	return pr.open
}

// ReadPacket returns the next complete packet, or io.EOF after the packet
// carried by the end-of-stream page.
func (pr *PacketReader) ReadPacket() (Packet, error) {
	for len(pr.queue) == 0 {
		if pr.eos {
			return Packet{}, io.EOF
		}
		if err := pr.readPage(); err != nil {
			return Packet{}, err
		}
	}

	p := pr.queue[0]
	pr.queue = pr.queue[1:]
	return p, nil
}

func (pr *PacketReader) readPage() error {
	var page *Page
	for {
		p, err := pr.pages.ReadPage()
		if errors.Is(err, io.EOF) {
			if pr.partial {
				return &PageError{Index: pr.pages.pages, Offset: pr.pages.offset, Err: fmt.Errorf("%w: stream ended inside a packet", ErrTruncated)}
			}
			if pr.started {
				pr.open = true
			}
			pr.eos = true
			return io.EOF
		}
		if err != nil {
			return err
		}
		if pr.started && p.Serial != pr.serial {
			continue
		}
		page = p
		break
	}

	fail := func(err error) error {
		return &PageError{Index: pr.pages.pages - 1, Offset: pr.pages.offset - int64(page.Size()), Err: err}
	}

	if !pr.started {
		if !page.IsBOS() {
			return fail(ErrNoBOS)
		}
		pr.started = true
		pr.serial = page.Serial
	} else {
		if page.Sequence != pr.nextSeq {
			return fail(fmt.Errorf("%w: got %d, expected %d", ErrSequence, page.Sequence, pr.nextSeq))
		}
		if page.IsBOS() {
			return fail(fmt.Errorf("%w: repeated beginning-of-stream flag", ErrNoBOS))
		}
	}
	pr.nextSeq = page.Sequence + 1
	pr.lastPage = page.Sequence

	if page.Granule != NoGranule {
		if pr.lastGranule != NoGranule && page.Granule < pr.lastGranule {
			return fail(fmt.Errorf("%w: %d after %d", ErrGranule, page.Granule, pr.lastGranule))
		}
		pr.lastGranule = page.Granule
	}

	if page.IsContinued() != pr.partial {
		if pr.partial {
			return fail(fmt.Errorf("%w: expected continued page", ErrContinuation))
		}
		return fail(fmt.Errorf("%w: continued page without a pending packet", ErrContinuation))
	}

	var completed []Packet
	offset := 0
	for _, seg := range page.Segments {
		pr.pending = append(pr.pending, page.Body[offset:offset+int(seg)]...)
		offset += int(seg)
		if seg < MaxSegmentSize {
			completed = append(completed, Packet{
				Data:    pr.pending,
				Page:    page.Sequence,
				Granule: NoGranule,
				BOS:     page.IsBOS() && len(completed) == 0,
			})
			pr.pending = nil
		}
	}
	pr.partial = len(page.Segments) > 0 && page.Segments[len(page.Segments)-1] == MaxSegmentSize

	if page.IsEOS() {
		if pr.partial {
			return fail(fmt.Errorf("%w: end-of-stream page ends inside a packet", ErrContinuation))
		}
		pr.eos = true
	}

	if n := len(completed); n > 0 {
		completed[n-1].Granule = page.Granule
		completed[n-1].EOS = page.IsEOS()
	}
	pr.queue = append(pr.queue, completed...)
	return nil
}
